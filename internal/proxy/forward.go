package proxy

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multiflowproxy/multiflow/internal/util/bytelimiter"
)

// pollInterval bounds how long a forwarding goroutine's Read call may block
// before it re-checks the session's active flag, so Stop (called from
// either direction or the liveness ticker) is noticed promptly instead of
// waiting for the next byte that may never arrive.
const pollInterval = time.Second

// forward bridges session's two sockets bidirectionally until either side
// closes, errors, or the pair goes idle past idleTimeout. It blocks until
// both directions have stopped copying.
func forward(session *TunnelSession, limiter *bytelimiter.ByteLimiter, bufSize int, logger *slog.Logger) {
	tracker := newLivenessTracker(time.Now())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyDirection(session.Upstream.Conn, session.Client.Conn, bufSize, limiter, tracker.markUp, &session.BytesUp, session, logger, "up")
	}()
	go func() {
		defer wg.Done()
		copyDirection(session.Client.Conn, session.Upstream.Conn, bufSize, limiter, tracker.markDown, &session.BytesDown, session, logger, "down")
	}()

	stopIdleWatch := watchIdle(session, tracker)
	wg.Wait()
	close(stopIdleWatch)
	session.Stop()
}

// copyDirection reads from src and writes to dst until an error, EOF, or
// the session becomes inactive. It sizes its buffer from bufSize (the
// operator-configured --buffer-size), reserves the number of bytes each
// read returned from the shared limiter for the duration of that chunk's
// write, and retries partial writes until the full chunk lands or an error
// interrupts it.
func copyDirection(dst, src net.Conn, bufSize int, limiter *bytelimiter.ByteLimiter, mark func(time.Time), counter *atomic.Uint64, session *TunnelSession, logger *slog.Logger, label string) {
	buf := make([]byte, bufSize)
	for session.Active() {
		_ = src.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := src.Read(buf)
		if n > 0 {
			limiter.Acquire(n)
			werr := writeFull(dst, buf[:n])
			limiter.Release(n)
			if werr != nil {
				logger.Debug("forward write failed", slog.String("direction", label), slog.Any("error", werr))
				session.Stop()
				return
			}
			counter.Add(uint64(n))
			mark(time.Now())
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if err != io.EOF {
				logger.Debug("forward read failed", slog.String("direction", label), slog.Any("error", err))
			}
			session.Stop()
			return
		}
	}
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// watchIdle polls the tracker roughly once per second and stops the
// session once both halves have been silent past idleTimeout. The
// returned channel stops the watch when closed by the caller.
func watchIdle(session *TunnelSession, tracker *livenessTracker) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-session.Done():
				return
			case now := <-ticker.C:
				if tracker.idle(now, idleTimeout) {
					session.Stop()
					return
				}
			}
		}
	}()
	return stop
}
