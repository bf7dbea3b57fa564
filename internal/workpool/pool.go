// Package workpool bounds the number of concurrent calls made on behalf of a
// single component, such as creator service fan-out during plan assembly.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Metrics tracks pool operational counters.
type Metrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrShutdown is returned when work is submitted to a shut-down pool.
var ErrShutdown = errors.New("worker pool is shut down")

// Pool is a bounded goroutine pool.
type Pool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics Metrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// New creates a pool with the given max concurrency.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int { return cap(p.sem) }

// Submit runs fn on a pool goroutine. It blocks while the pool is at capacity
// and gives up when ctx is done or the pool shuts down.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot race it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for active work to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

// Batch tracks one scatter/gather round on a shared pool. Waiting on a batch
// only waits for the work submitted through it.
type Batch struct {
	pool *Pool
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewBatch starts a new batch on the pool.
func (p *Pool) NewBatch() *Batch {
	return &Batch{pool: p}
}

// Go submits fn as part of the batch. Errors, including panics and failed
// submissions, are collected and returned by Wait.
func (b *Batch) Go(ctx context.Context, fn func(ctx context.Context) error) {
	b.wg.Add(1)
	err := b.pool.Submit(ctx, func(ctx context.Context) (err error) {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
				b.record(err)
			}
		}()
		err = fn(ctx)
		b.record(err)
		return err
	})
	if err != nil {
		b.record(err)
		b.wg.Done()
	}
}

func (b *Batch) record(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.errs = append(b.errs, err)
	b.mu.Unlock()
}

// Done returns a channel closed once every task of the batch has returned.
func (b *Batch) Done() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(ch)
	}()
	return ch
}

// Wait blocks until the batch completes and joins the collected errors.
func (b *Batch) Wait() error {
	b.wg.Wait()
	return b.Err()
}

// Err returns the errors collected so far.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.errs...)
}
