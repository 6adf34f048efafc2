package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a point-in-time view of a WorkerPool.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Submitted int64 `json:"submitted"`
	Finished  int64 `json:"finished"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds the number of step attempts running at once across every
// execution of an orchestrator. Submit blocks while all slots are taken.
type WorkerPool struct {
	slots   chan struct{}
	onPanic func(v any)

	active    atomic.Int64
	submitted atomic.Int64
	finished  atomic.Int64
	panics    atomic.Int64

	// mu orders wg.Add against Shutdown.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	done   chan struct{}
}

// NewWorkerPool creates a pool running at most size tasks. onPanic, if
// non-nil, receives the value of any panic escaping a task.
func NewWorkerPool(size int, onPanic func(v any)) *WorkerPool {
	return &WorkerPool{
		slots:   make(chan struct{}, max(size, 1)),
		onPanic: onPanic,
		done:    make(chan struct{}),
	}
}

// Submit runs fn on a pool goroutine once a slot is free. It gives up with
// the context error, or ErrPoolShutdown once Shutdown has been called.
func (p *WorkerPool) Submit(ctx context.Context, fn func()) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.submitted.Add(1)
	p.active.Add(1)
	go p.run(fn)
	return nil
}

func (p *WorkerPool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		p.active.Add(-1)
		p.finished.Add(1)
		<-p.slots
		p.wg.Done()
	}()
	fn()
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for running work. It is safe to
// call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Submitted: p.submitted.Load(),
		Finished:  p.finished.Load(),
		Panics:    p.panics.Load(),
	}
}
