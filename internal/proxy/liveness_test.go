package proxy

import (
	"testing"
	"time"
)

func TestLivenessTrackerIdleRequiresBothHalvesSilent(t *testing.T) {
	start := time.Now()
	tr := newLivenessTracker(start)

	later := start.Add(10 * time.Minute)
	if !tr.idle(later, 5*time.Minute) {
		t.Fatalf("tracker should be idle after 10 minutes of silence")
	}

	tr.markUp(later)
	if tr.idle(later.Add(time.Second), 5*time.Minute) {
		t.Fatalf("tracker should not be idle right after activity on one half")
	}
}

func TestLivenessTrackerNotIdleWhileActive(t *testing.T) {
	start := time.Now()
	tr := newLivenessTracker(start)
	tr.markUp(start.Add(time.Second))
	tr.markDown(start.Add(time.Second))

	if tr.idle(start.Add(2*time.Second), 5*time.Minute) {
		t.Fatalf("tracker should not be idle immediately after activity")
	}
}
