package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// SafeGo runs fn in a goroutine bounded by timeout. Panics are recovered and
// logged, errors are logged and otherwise dropped.
//
//	async.SafeGo(ctx, logger, 5*time.Second, "tenant warmup", func(ctx context.Context) error {
//	    _, err := registry.GetTenantConnection(ctx, tenantID)
//	    return err
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("Background task failed")
		}
	}()
}

// WorkerPool manages a pool of workers that process tasks from a channel.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	workCh chan func(context.Context) error
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	errs      []error
	closeOnce sync.Once
}

// NewWorkerPool creates a new worker pool and starts its workers.
//
//	pool := async.NewWorkerPool(ctx, nil, 4, "tenant close", 10*time.Second)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, logger *observability.Logger, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger.WithField("pool", taskName),
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.worker()
			}()
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit adds a task to the pool. It fails once the pool has been closed or
// its context is done.
func (p *WorkerPool) Submit(fn func(context.Context) error) (err error) {
	defer func() {
		// send on a channel closed by a concurrent Shutdown
		if recover() != nil {
			err = fmt.Errorf("worker pool shut down")
		}
	}()

	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool shut down: %w", p.ctx.Err())
	case p.workCh <- fn:
		return nil
	}
}

// Wait stops accepting work and blocks until every submitted task finished.
// It returns the errors collected from failed or panicking tasks.
func (p *WorkerPool) Wait() []error {
	p.closeWork()
	<-p.doneCh
	p.cancel()
	return p.Errors()
}

// Shutdown stops accepting work and waits up to timeout for the workers to
// drain. Remaining tasks see a cancelled context after the timeout.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.closeWork()

	select {
	case <-p.doneCh:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool shutdown timed out after %v", timeout)
	}
}

// Errors returns a snapshot of the errors collected so far
func (p *WorkerPool) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]error, len(p.errs))
	copy(out, p.errs)
	return out
}

func (p *WorkerPool) closeWork() {
	p.closeOnce.Do(func() { close(p.workCh) })
}

func (p *WorkerPool) record(err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

func (p *WorkerPool) worker() {
	for fn := range p.workCh {
		p.run(fn)
	}
}

func (p *WorkerPool) run(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer func() {
		if err := observability.MustRecover(recover()); err != nil {
			p.logger.WithError(err).Error("Task panicked")
			p.record(err)
		}
	}()

	if err := fn(ctx); err != nil {
		p.record(err)
	}
}

// Batch processes items concurrently with at most workers goroutines and
// returns every error encountered.
//
//	errs := async.Batch(ctx, tenantIDs, 4, "close tenants", 10*time.Second,
//	    func(ctx context.Context, id string) error { return registry.CloseTenantConnection(ctx, id) })
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, nil, workers, taskName, timeout)

	for _, item := range items {
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			pool.record(err)
			break
		}
	}

	return pool.Wait()
}
