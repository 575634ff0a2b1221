package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks turn pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when a turn is submitted to a closed pool.
var ErrPoolShutdown = errors.New("turn pool is shut down")

// TurnPool bounds the number of turns running at once across threads.
// Turns on the same thread are additionally serialized by the orchestrator.
type TurnPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
	onPanic func(threadID string, recovered any)
}

// NewTurnPool creates a pool running at most size turns. onPanic, when
// set, is told about a turn that panicked outside its own recovery.
func NewTurnPool(size int, onPanic func(threadID string, recovered any)) *TurnPool {
	if size <= 0 {
		size = 1
	}
	return &TurnPool{
		sem:     make(chan struct{}, size),
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
}

// Submit starts fn once a slot frees up. It blocks while the pool is full
// and gives up when ctx ends or the pool shuts down.
func (p *TurnPool) Submit(ctx context.Context, threadID string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				if p.onPanic != nil {
					p.onPanic(threadID, r)
				}
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

// Wait blocks until every submitted turn has returned.
func (p *TurnPool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses new turns and waits for running ones.
func (p *TurnPool) Shutdown() {
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
func (p *TurnPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
