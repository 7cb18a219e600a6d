// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/bfxstream/errs"
	"github.com/coachpo/bfxstream/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Config sizes a pool: at most Workers tasks run while Queue more wait. Errors and panics
// raised by tasks are logged with Name.
type Config struct {
	Name    string
	Workers int
	Queue   int
	Logger  observability.Logger
}

// Pool is a bounded worker pool that rejects work instead of blocking when saturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger observability.Logger
	jobs   chan job
	wg     sync.WaitGroup
	// inflight counts queued and running tasks; it never exceeds limit.
	inflight atomic.Int64
	limit    int64

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if cfg.Queue < 0 {
		cfg.Queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		logger: observability.With(cfg.Logger, observability.F("pool", cfg.Name)),
		jobs:   make(chan job, cfg.Workers+cfg.Queue),
		limit:  int64(cfg.Workers + cfg.Queue),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn without blocking. A full queue yields ErrCapacityExceeded and a
// closed pool ErrSessionClosed.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.Derive(errs.ErrSessionClosed, "lib/async", errs.WithMessage("pool closed"))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	for {
		n := p.inflight.Load()
		if n >= p.limit {
			return errs.Derive(errs.ErrCapacityExceeded, "lib/async", errs.WithMessage("pool at capacity"))
		}
		if p.inflight.CompareAndSwap(n, n+1) {
			break
		}
	}
	// The buffer holds limit jobs, so this send never blocks.
	p.jobs <- job{ctx: ctx, fn: fn}
	return nil
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown closes the pool and waits for queued tasks. When ctx expires first, running
// tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	defer p.inflight.Add(-1)
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", observability.F("panic", fmt.Sprint(r)))
		}
	}()
	if err := j.fn(ctx); err != nil {
		p.logger.Warn("task failed", observability.Err(err))
	}
}
