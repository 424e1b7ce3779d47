package proxy

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkerPoolRunsAllSubmittedTasks(t *testing.T) {
	pool := newWorkerPool(4, testLogger())
	pool.start()
	defer pool.stop()

	const n = 200
	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		pool.submit(func() {
			count.Add(1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for tasks, ran %d/%d", count.Load(), n)
	}

	if got := count.Load(); got != n {
		t.Fatalf("count = %d, want %d", got, n)
	}
}

func TestWorkerPoolRecoversPanickingTask(t *testing.T) {
	pool := newWorkerPool(1, testLogger())
	pool.start()
	defer pool.stop()

	var ranAfter atomic.Bool
	done := make(chan struct{})

	pool.submit(func() {
		panic("boom")
	})
	pool.submit(func() {
		ranAfter.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not recover from panic and keep running")
	}

	if !ranAfter.Load() {
		t.Fatalf("task submitted after a panic never ran")
	}
}
