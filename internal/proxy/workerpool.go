package proxy

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/multiflowproxy/multiflow/internal/proxyerr"
)

// task is one unit of work submitted to the pool: a fully accepted client
// connection ready to run the handshake/sniff/dial/forward pipeline.
type task func()

// workerPool runs a fixed number of workers, each draining its own
// buffered FIFO channel. Connections are handed out round-robin so a slow
// connection queued behind another on one worker never starves work
// queued on the others.
type workerPool struct {
	queues []chan task
	next   atomic.Uint64
	logger *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
}

const workerQueueDepth = 128

func newWorkerPool(n int, logger *slog.Logger) *workerPool {
	if n <= 0 {
		n = 1
	}
	p := &workerPool{
		queues: make([]chan task, n),
		logger: logger,
		done:   make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan task, workerQueueDepth)
	}
	return p
}

// start launches one goroutine per queue. Call stop to signal and join them.
func (p *workerPool) start() {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.runWorker(i, q)
	}
}

func (p *workerPool) runWorker(id int, q chan task) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case t, ok := <-q:
			if !ok {
				return
			}
			p.runTask(id, t)
		}
	}
}

// runTask executes t with panic recovery, matching spec.md 4.7: a panicking
// task never brings down its worker, let alone the process.
func (p *workerPool) runTask(id int, t task) {
	defer func() {
		if r := recover(); r != nil {
			perr := proxyerr.NewTaskPanic(r)
			p.logger.Error("worker task panicked", slog.Int("worker", id), slog.Any("error", perr))
		}
	}()
	t()
}

// submit selects a worker by atomic round-robin and enqueues t there. If
// that worker's queue is full, submit blocks until it has room, applying
// backpressure to the accept loop rather than running t outside the bound
// of workers concurrent tasks or handing it to a different worker's queue.
func (p *workerPool) submit(t task) {
	n := uint64(len(p.queues))
	q := p.queues[(p.next.Add(1)-1)%n]
	select {
	case q <- t:
	case <-p.done:
		p.logger.Warn("worker pool stopped, dropping task")
	}
}

// queueDepth returns the combined number of tasks currently buffered
// across every worker queue, for the multiflow_worker_queue_depth gauge.
func (p *workerPool) queueDepth() int {
	total := 0
	for _, q := range p.queues {
		total += len(q)
	}
	return total
}

// stop signals every worker to exit and waits for any task already running
// to return. Workers do not drain their queues first: a task still queued
// when stop is called may never run.
func (p *workerPool) stop() {
	close(p.done)
	p.wg.Wait()
}
