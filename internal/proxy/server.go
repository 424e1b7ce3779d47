package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/netutil"

	"github.com/multiflowproxy/multiflow/internal/config"
	"github.com/multiflowproxy/multiflow/internal/logger"
	"github.com/multiflowproxy/multiflow/internal/protocol"
	"github.com/multiflowproxy/multiflow/internal/proxyerr"
	"github.com/multiflowproxy/multiflow/internal/status"
	"github.com/multiflowproxy/multiflow/internal/util/bytelimiter"
)

// Server is the C8 dispatch loop: it owns the listener, the TLS
// terminator, the worker pool, and every per-connection metric. Run blocks
// until ctx is cancelled or the listener fails fatally.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	tls     *tlsTerminator
	pool    *workerPool
	metrics *metrics
	res     *resourceTracker
	limiter *bytelimiter.ByteLimiter
	idGen   func() string
	tracer  trace.Tracer

	// StatusCounters and StatusHub are optional; when the operator sets
	// --status-listen the caller wires these in before calling Run so the
	// dispatch loop can report live session activity without depending on
	// the status package's HTTP server.
	StatusCounters *status.Counters
	StatusHub      *status.Hub
}

func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var terminator *tlsTerminator
	if cfg.TLSEnabled {
		t, err := newTLSTerminator(cfg, logger)
		if err != nil {
			return nil, err
		}
		terminator = t
	}

	idGen, err := selectIDGenerator(cfg.StreamIDMode)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		tls:     terminator,
		pool:    newWorkerPool(cfg.Workers, logger),
		metrics: newMetrics(nil),
		res:     newResourceTracker(),
		limiter: bytelimiter.New(cfg.MaxInFlightBytes),
		idGen:   idGen,
		tracer:  otel.Tracer("github.com/multiflowproxy/multiflow/internal/proxy"),
	}
	return s, nil
}

func selectIDGenerator(mode string) (func() string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "uuid":
		return uuid.NewString, nil
	case "cuid":
		return cuid.New, nil
	default:
		return nil, proxyerr.NewConfigError("stream-id-mode", nil)
	}
}

// Run raises the file descriptor limit, binds the listener, starts the
// worker pool and resource sampler, then accepts connections until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := raiseFileDescriptorLimit(uint64(s.cfg.Ulimit)); err != nil {
		return err
	}

	tcpLn, err := listenTCP(s.cfg.Port)
	if err != nil {
		return err
	}
	ln := net.Listener(tcpLn)
	if s.cfg.Ulimit > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Ulimit)
	}

	// netutil.LimitListener doesn't forward SetDeadline, so shutdown is
	// driven by closing the listener from ctx's cancellation rather than by
	// polling Accept with a deadline.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.res.start(ctx)
	s.pool.start()
	defer s.pool.stop()
	s.watchQueueDepth(ctx)

	s.logger.Info("proxy listening",
		slog.Int("port", s.cfg.Port),
		slog.Bool("tls", s.cfg.TLSEnabled),
		slog.Bool("ssh_only", s.cfg.SSHOnly))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				<-shutdownDone
				return nil
			default:
			}
			s.logger.Warn("accept failed", slog.Any("error", err))
			continue
		}

		streamID := s.idGen()
		s.pool.submit(func() {
			s.handleConnection(ctx, conn, streamID)
		})
	}
}

// handleConnection runs the full per-client pipeline: optional TLS
// termination, the HTTP/WebSocket decoy handshake, protocol sniffing, the
// upstream dial, and the bidirectional forward. Every stage that fails
// closes the socket and returns without touching the worker pool further.
func (s *Server) handleConnection(ctx context.Context, raw net.Conn, streamID string) {
	// Each connection gets its own trace/span pair; the logger's
	// contextHandler picks these up automatically on every *Context log
	// call below, so callers never thread trace_id/span_id through by hand.
	ctx, _, _ = logger.WithTraceAndSpan(ctx)
	ctx, span := s.tracer.Start(ctx, "proxy.handleConnection",
		trace.WithAttributes(attribute.String("stream_id", streamID)))
	defer span.End()

	client := newClientConnection(raw, streamID)
	connLogger := s.logger.With(
		slog.String("stream_id", streamID),
		slog.String("remote", client.RemoteIP),
	)
	span.SetAttributes(attribute.String("remote", client.RemoteIP))

	conn := raw
	if s.cfg.TLSEnabled {
		tlsConn := tls.Server(raw, s.tls.tlsConfig)
		setHandshakeDeadline(tlsConn, 10*time.Second)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			perr := proxyerr.NewTLSError(err)
			connLogger.DebugContext(ctx, "tls handshake failed", slog.Any("error", perr))
			span.RecordError(perr)
			span.SetStatus(codes.Error, "tls handshake failed")
			_ = raw.Close()
			return
		}
		conn = tlsConn
		span.AddEvent("tls handshake complete")
	}
	// client.Conn must track the effective (possibly TLS-terminated) stream:
	// the forwarder reads/writes through client.Conn, and it must see the
	// decrypted application bytes, never the raw TLS record layer.
	client.Conn = conn

	client.setState(stateHandshaking)
	bufReader := bufio.NewReader(conn)
	setHandshakeDeadline(conn, 10*time.Second)
	if err := performHandshake(conn, bufReader, s.cfg.Response, connLogger); err != nil {
		connLogger.DebugContext(ctx, "handshake failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "decoy handshake failed")
		_ = conn.Close()
		return
	}
	span.AddEvent("decoy handshake complete")

	client.setState(stateSniffing)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	peek, err := bufReader.Peek(minInt(bufReader.Size(), 16))
	if err != nil && len(peek) == 0 {
		connLogger.DebugContext(ctx, "sniff read failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "protocol sniff failed")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	kind := protocol.Resolve(protocol.Classify(peek), s.cfg.SSHOnly)
	s.metrics.connectionsTotal.WithLabelValues(kind.String()).Inc()
	span.SetAttributes(attribute.String("protocol", kind.String()))

	host, port, err := protocol.UpstreamOf(kind, s.cfg)
	if err != nil {
		connLogger.WarnContext(ctx, "no upstream for classified protocol", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no upstream configured")
		_ = conn.Close()
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	upstreamConn, err := dialUpstream(dialCtx, host, port, connLogger)
	cancel()
	if err != nil {
		s.metrics.dialErrorsTotal.Inc()
		s.StatusCounters.DialFailed()
		s.StatusHub.Publish(status.Event{Timestamp: time.Now(), Kind: "dial_error", Protocol: kind.String(), StreamID: streamID})
		connLogger.WarnContext(ctx, "upstream dial failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream dial failed")
		_ = conn.Close()
		return
	}
	span.AddEvent("upstream dial complete", trace.WithAttributes(
		attribute.String("upstream.host", host),
		attribute.Int("upstream.port", port),
	))

	upstream := &UpstreamConnection{Conn: upstreamConn, Kind: kind, Host: host, Port: port}
	session := newTunnelSession(client, upstream)

	// bufReader may still hold bytes the client pipelined right after the
	// handshake (the sniffed 16 and anything past it): they were consumed
	// from the socket during Peek/handshake parsing but never reached
	// upstream. Prepend them to the upstream write before the steady-state
	// copy loop starts, so the upstream sees the original byte stream.
	if buffered := bufReader.Buffered(); buffered > 0 {
		prefix := make([]byte, buffered)
		if _, err := io.ReadFull(bufReader, prefix); err != nil {
			connLogger.WarnContext(ctx, "failed to drain buffered handshake bytes", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "buffered read failed")
			_ = conn.Close()
			_ = upstreamConn.Close()
			return
		}
		if err := writeFull(upstreamConn, prefix); err != nil {
			connLogger.WarnContext(ctx, "failed to forward buffered handshake bytes", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "buffered write failed")
			_ = conn.Close()
			_ = upstreamConn.Close()
			return
		}
		session.BytesUp.Add(uint64(len(prefix)))
	}

	s.metrics.activeSessions.Inc()
	defer s.metrics.activeSessions.Dec()
	s.StatusCounters.SessionOpened(kind.String())
	s.StatusHub.Publish(status.Event{Timestamp: time.Now(), Kind: "session_opened", Protocol: kind.String(), StreamID: streamID})

	connLogger.InfoContext(ctx, "bridging session", slog.String("protocol", kind.String()), slog.String("upstream", net.JoinHostPort(host, strconv.Itoa(port))))
	forward(session, s.limiter, s.cfg.BufferSize, connLogger)

	bytesUp, bytesDown := session.BytesUp.Load(), session.BytesDown.Load()
	s.metrics.bytesUpTotal.Add(float64(bytesUp))
	s.metrics.bytesDownTotal.Add(float64(bytesDown))
	s.StatusCounters.SessionClosed(bytesUp, bytesDown)
	s.StatusHub.Publish(status.Event{Timestamp: time.Now(), Kind: "session_closed", Protocol: kind.String(), StreamID: streamID, BytesUp: bytesUp, BytesDown: bytesDown})
	span.SetAttributes(
		attribute.Int64("bytes_up", int64(bytesUp)),
		attribute.Int64("bytes_down", int64(bytesDown)),
	)
	span.SetStatus(codes.Ok, "session closed")
	connLogger.InfoContext(ctx, "session closed",
		slog.Uint64("bytes_up", bytesUp),
		slog.Uint64("bytes_down", bytesDown))
}

// Resources returns the server's process resource history for the status
// endpoint. It is always safe to call, even before Run starts the sampler
// or if the tracker failed to attach to this process.
func (s *Server) Resources() status.ResourceSnapshot {
	return s.res.statusResourceSnapshot()
}

// watchQueueDepth samples the worker pool's combined queue depth once a
// second and publishes it to the multiflow_worker_queue_depth gauge, the
// same ticker-driven pattern resourceTracker.start uses for CPU/RSS.
func (s *Server) watchQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.metrics.workerQueueDepth.Set(float64(s.pool.queueDepth()))
			}
		}
	}()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
