package proxy

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/multiflowproxy/multiflow/internal/protocol"
)

// clientState tags where a ClientConnection currently sits in its
// lifecycle, mirroring the state machine spec.md 5.2 describes.
type clientState int32

const (
	stateAccepted clientState = iota
	stateHandshaking
	stateSniffing
	stateBridging
	stateClosing
	stateClosed
)

func (s clientState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateHandshaking:
		return "handshaking"
	case stateSniffing:
		return "sniffing"
	case stateBridging:
		return "bridging"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConnection wraps the accepted socket, tracking which phase of the
// per-connection pipeline it is in for logging, tracing, and status
// reporting.
type ClientConnection struct {
	Conn      net.Conn
	RemoteIP  string
	StreamID  string
	AcceptedAt time.Time

	state atomic.Int32
}

func newClientConnection(conn net.Conn, streamID string) *ClientConnection {
	c := &ClientConnection{
		Conn:       conn,
		RemoteIP:   remoteIP(conn),
		StreamID:   streamID,
		AcceptedAt: time.Now(),
	}
	c.state.Store(int32(stateAccepted))
	return c
}

func (c *ClientConnection) setState(s clientState) { c.state.Store(int32(s)) }
func (c *ClientConnection) State() clientState      { return clientState(c.state.Load()) }

func remoteIP(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// UpstreamConnection wraps the dialed loopback socket a ClientConnection is
// bridged to, tagged with the protocol.Kind that selected it.
type UpstreamConnection struct {
	Conn net.Conn
	Kind protocol.Kind
	Host string
	Port int
}

// TunnelSession pairs a ClientConnection with its UpstreamConnection for
// the lifetime of the bidirectional forward. active is checked by both
// forwarder goroutines on every loop iteration so either half tearing down
// stops the other without a lock, following the same atomic-flag pattern
// the teacher's agent session used to stop its heartbeat loop.
type TunnelSession struct {
	Client   *ClientConnection
	Upstream *UpstreamConnection

	active    atomic.Bool
	closeOnce chan struct{}

	BytesUp   atomic.Uint64
	BytesDown atomic.Uint64
}

func newTunnelSession(client *ClientConnection, upstream *UpstreamConnection) *TunnelSession {
	s := &TunnelSession{
		Client:    client,
		Upstream:  upstream,
		closeOnce: make(chan struct{}),
	}
	s.active.Store(true)
	client.setState(stateBridging)
	return s
}

// Active reports whether both halves of the session should keep forwarding.
func (s *TunnelSession) Active() bool { return s.active.Load() }

// Stop marks the session inactive and closes both sockets exactly once,
// regardless of which half (or which error path) calls it first.
func (s *TunnelSession) Stop() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	close(s.closeOnce)
	s.Client.setState(stateClosing)
	_ = s.Client.Conn.Close()
	if s.Upstream != nil && s.Upstream.Conn != nil {
		_ = s.Upstream.Conn.Close()
	}
	s.Client.setState(stateClosed)
}

// Done returns a channel closed exactly once Stop has run, letting the
// dispatch loop's per-connection goroutine wait for either forwarding
// direction to finish tearing the session down.
func (s *TunnelSession) Done() <-chan struct{} { return s.closeOnce }
