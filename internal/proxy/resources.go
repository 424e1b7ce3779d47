package proxy

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/multiflowproxy/multiflow/internal/status"
)

// resourcePoint is one minute-granularity process resource sample, exposed
// through the status endpoint alongside the live connection counters.
type resourcePoint struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Goroutines int       `json:"goroutines"`
}

type resourceSnapshot struct {
	Current resourcePoint   `json:"current"`
	History []resourcePoint `json:"history"`
}

// resourceTracker periodically samples this process's own CPU/RSS/goroutine
// footprint. It is best-effort: on platforms where gopsutil can't read
// /proc it degrades to a nil tracker and every method becomes a no-op.
type resourceTracker struct {
	proc     *process.Process
	mu       sync.RWMutex
	samples  []resourcePoint
	current  resourcePoint
	maxItems int
}

func newResourceTracker() *resourceTracker {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return &resourceTracker{
		proc:     p,
		maxItems: 24 * 60, // one day at one sample per minute
	}
}

func (r *resourceTracker) start(ctx context.Context) {
	if r == nil {
		return
	}
	r.sample(ctx)
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample(ctx)
			}
		}
	}()
}

func (r *resourceTracker) sample(ctx context.Context) {
	if r == nil || r.proc == nil {
		return
	}
	now := time.Now()

	cpu, err := r.proc.PercentWithContext(ctx, 0)
	if err != nil {
		cpu = 0
	}
	mem, err := r.proc.MemoryInfoWithContext(ctx)
	var rss uint64
	if err == nil && mem != nil {
		rss = mem.RSS
	}

	point := resourcePoint{
		Timestamp:  now,
		CPUPercent: cpu,
		RSSBytes:   rss,
		Goroutines: runtime.NumGoroutine(),
	}

	r.mu.Lock()
	r.current = point
	r.samples = append(r.samples, point)
	if len(r.samples) > r.maxItems {
		r.samples = r.samples[len(r.samples)-r.maxItems:]
	}
	r.mu.Unlock()
}

func (r *resourceTracker) snapshot() resourceSnapshot {
	if r == nil {
		return resourceSnapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := make([]resourcePoint, len(r.samples))
	copy(history, r.samples)
	return resourceSnapshot{Current: r.current, History: history}
}

// statusResourceSnapshot adapts the tracker's internal snapshot shape to the
// status package's exported one, so status.Server can report it without
// importing this package back.
func (r *resourceTracker) statusResourceSnapshot() status.ResourceSnapshot {
	snap := r.snapshot()
	history := make([]status.ResourcePoint, len(snap.History))
	for i, p := range snap.History {
		history[i] = status.ResourcePoint{
			Timestamp:  p.Timestamp,
			CPUPercent: p.CPUPercent,
			RSSBytes:   p.RSSBytes,
			Goroutines: p.Goroutines,
		}
	}
	return status.ResourceSnapshot{
		Current: status.ResourcePoint{
			Timestamp:  snap.Current.Timestamp,
			CPUPercent: snap.Current.CPUPercent,
			RSSBytes:   snap.Current.RSSBytes,
			Goroutines: snap.Current.Goroutines,
		},
		History: history,
	}
}
