package proxy

import (
	"sync"
	"time"
)

// idleTimeout is how long a session may go without a byte moving in either
// direction before the forwarder tears it down. There is no protocol-level
// keepalive on this side of the tunnel (unlike the teacher's agent
// heartbeat, which pinged over its own control channel), so liveness here
// is purely a function of observed read/write activity.
const idleTimeout = 5 * time.Minute

// livenessTracker records the last time each half of a session moved
// bytes and derives whether the session should be considered idle. It also
// keeps an EWMA of each half's inter-read gap, adapted from the teacher's
// heartbeat RTT/jitter EWMA and applied to read activity instead of ping
// round-trip time; idle decides from the last-activity timestamps alone
// and does not consult those averages.
type livenessTracker struct {
	mu sync.Mutex

	lastUp   time.Time
	lastDown time.Time

	avgGapUp   time.Duration
	avgGapDown time.Duration
}

func newLivenessTracker(now time.Time) *livenessTracker {
	return &livenessTracker{lastUp: now, lastDown: now}
}

func (t *livenessTracker) markUp(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gap := now.Sub(t.lastUp)
	t.avgGapUp = ewma(t.avgGapUp, gap)
	t.lastUp = now
}

func (t *livenessTracker) markDown(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gap := now.Sub(t.lastDown)
	t.avgGapDown = ewma(t.avgGapDown, gap)
	t.lastDown = now
}

// idle reports whether neither half has moved a byte within timeout.
func (t *livenessTracker) idle(now time.Time, timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Sub(t.lastUp) > timeout && now.Sub(t.lastDown) > timeout
}

func ewma(current, sample time.Duration) time.Duration {
	if current == 0 {
		return sample
	}
	return (3*current + sample) / 4
}
