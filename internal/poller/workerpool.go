package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nmslite/nmstrans/internal/metrics"
)

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	Name    string
	Size    int
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// WorkerPoolStats is a snapshot of a worker pool's counters.
type WorkerPoolStats struct {
	Name       string `json:"name"`
	Size       int    `json:"size"`
	Active     int64  `json:"active"`
	QueueDepth int    `json:"queue_depth"`
	Submitted  uint64 `json:"submitted"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
}

// WorkerPool runs tasks of type T on a fixed number of workers fed from an
// unbounded FIFO queue. Submit never blocks.
type WorkerPool[T any] struct {
	name    string
	size    int
	process func(context.Context, T) error
	logger  *slog.Logger
	metrics *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []T
	stopping bool

	wg sync.WaitGroup

	active    atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewWorkerPool starts cfg.Size workers calling process for each task and
// registers the pool's stats with cfg.Metrics.
func NewWorkerPool[T any](cfg WorkerPoolConfig, process func(context.Context, T) error) (*WorkerPool[T], error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("worker pool name is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("worker pool %s: size must be positive, got %d", cfg.Name, cfg.Size)
	}
	if process == nil {
		return nil, fmt.Errorf("worker pool %s: process function is required", cfg.Name)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool[T]{
		name:    cfg.Name,
		size:    cfg.Size,
		process: process,
		logger:  logger.With("component", "worker_pool", "pool", cfg.Name),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	if err := cfg.Metrics.RegisterGaugeFuncs("worker_pool", cfg.Name, p.gauges()); err != nil {
		cancel()
		return nil, err
	}

	for i := 0; i < cfg.Size; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.logger.Info("worker pool started", "size", cfg.Size)
	return p, nil
}

func (p *WorkerPool[T]) Name() string { return p.name }

// Submit queues a task. It fails only once Shutdown has begun.
func (p *WorkerPool[T]) Submit(task T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return ErrPoolStopped
	}
	p.queue = append(p.queue, task)
	p.submitted.Add(1)
	p.cond.Signal()
	return nil
}

// Shutdown stops accepting tasks and lets the workers drain the queue for up
// to grace. If they do not finish in time the task context is cancelled, the
// remaining queue is dropped and ErrStopTimeout is returned. The pool's stats
// are unregistered either way.
func (p *WorkerPool[T]) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()

	defer p.metrics.Unregister("worker_pool", p.name)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool drained", "completed", p.completed.Load())
		return nil
	case <-timer.C:
	}

	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.mu.Unlock()
	p.dropped.Add(uint64(dropped))

	p.cancel()

	p.logger.Warn("worker pool did not drain in time, cancelled running tasks",
		"grace", grace,
		"dropped", dropped,
		"active", p.active.Load(),
	)
	return fmt.Errorf("worker pool %s: %w (%d queued tasks dropped)", p.name, ErrStopTimeout, dropped)
}

// Stats returns the pool's counters.
func (p *WorkerPool[T]) Stats() WorkerPoolStats {
	p.mu.Lock()
	depth := len(p.queue)
	p.mu.Unlock()

	return WorkerPoolStats{
		Name:       p.name,
		Size:       p.size,
		Active:     p.active.Load(),
		QueueDepth: depth,
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *WorkerPool[T]) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		var zero T
		task := p.queue[0]
		p.queue[0] = zero
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *WorkerPool[T]) run(task T) {
	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("task panicked",
				"correlation_id", uuid.NewString(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := p.process(p.ctx, task); err != nil {
		p.failed.Add(1)
		p.logger.Warn("task failed", "error", err)
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool[T]) gauges() map[string]func() float64 {
	return map[string]func() float64{
		"size":            func() float64 { return float64(p.size) },
		"active":          func() float64 { return float64(p.active.Load()) },
		"queue_depth":     func() float64 { return float64(p.Stats().QueueDepth) },
		"submitted_total": func() float64 { return float64(p.submitted.Load()) },
		"completed_total": func() float64 { return float64(p.completed.Load()) },
		"failed_total":    func() float64 { return float64(p.failed.Load()) },
		"dropped_total":   func() float64 { return float64(p.dropped.Load()) },
	}
}
