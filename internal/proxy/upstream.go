package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/multiflowproxy/multiflow/internal/proxyerr"
)

const (
	upstreamMaxAttempts  = 3
	upstreamRetryBackoff = 2 * time.Second
	upstreamDialTimeout  = 5 * time.Second
)

// dialUpstream connects to host:port, retrying per spec.md 4.5: up to
// upstreamMaxAttempts attempts, each bounded to upstreamDialTimeout, with a
// fixed backoff between attempts. The returned connection has Nagle's
// algorithm disabled, matching the low-latency intent of a tunneled
// protocol stream.
func dialUpstream(ctx context.Context, host string, port int, logger *slog.Logger) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{Timeout: upstreamDialTimeout}

	var lastErr error
	for attempt := 1; attempt <= upstreamMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, proxyerr.NewUpstreamConnectError(host, port, attempt-1, ctx.Err())
		default:
		}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(true)
			}
			return conn, nil
		}
		lastErr = err
		logger.Warn("upstream dial attempt failed",
			slog.String("addr", addr),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		if attempt < upstreamMaxAttempts {
			select {
			case <-ctx.Done():
				return nil, proxyerr.NewUpstreamConnectError(host, port, attempt, ctx.Err())
			case <-time.After(upstreamRetryBackoff):
			}
		}
	}
	return nil, proxyerr.NewUpstreamConnectError(host, port, upstreamMaxAttempts, lastErr)
}
