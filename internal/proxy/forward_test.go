package proxy

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestForwardBridgesBothDirections(t *testing.T) {
	clientSide, clientPeer := net.Pipe()
	upstreamSide, upstreamPeer := net.Pipe()

	client := newClientConnection(clientSide, "test-stream")
	upstream := &UpstreamConnection{Conn: upstreamSide}
	session := newTunnelSession(client, upstream)

	done := make(chan struct{})
	go func() {
		forward(session, nil, 4096, testLogger())
		close(done)
	}()

	go func() {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(upstreamPeer, buf)
		_, _ = upstreamPeer.Write([]byte("world"))
	}()

	_ = clientPeer.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := clientPeer.Write([]byte("hello")); err != nil {
		t.Fatalf("write to client peer: %v", err)
	}

	reply := make([]byte, 5)
	if _, err := io.ReadFull(clientPeer, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != "world" {
		t.Fatalf("reply = %q, want %q", reply, "world")
	}

	session.Stop()
	_ = clientPeer.Close()
	_ = upstreamPeer.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("forward goroutines never returned after Stop")
	}
}

func TestTunnelSessionStopClosesOnce(t *testing.T) {
	clientSide, clientPeer := net.Pipe()
	upstreamSide, upstreamPeer := net.Pipe()
	defer clientPeer.Close()
	defer upstreamPeer.Close()

	client := newClientConnection(clientSide, "test-stream")
	upstream := &UpstreamConnection{Conn: upstreamSide}
	session := newTunnelSession(client, upstream)

	session.Stop()
	session.Stop() // must not panic on double close

	if session.Active() {
		t.Fatalf("session should be inactive after Stop")
	}
	select {
	case <-session.Done():
	default:
		t.Fatalf("Done channel should be closed after Stop")
	}
}
