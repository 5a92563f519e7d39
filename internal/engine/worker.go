package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrPoolShutdown is returned for work offered to a pool after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a point-in-time view of a WorkerPool's counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool caps the number of node invocations in flight across every run
// that shares one engine. Slots are a weighted semaphore; a task holds one
// slot from acquisition until its function returns.
type WorkerPool struct {
	size  int64
	slots *semaphore.Weighted

	stop     context.Context
	stopOnce sync.Once
	halt     context.CancelFunc

	// gate orders inflight.Add against Shutdown's Wait.
	gate     sync.RWMutex
	inflight sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool returns a pool with size slots; size below one means one.
func NewWorkerPool(size int) *WorkerPool {
	size = max(size, 1)
	stop, halt := context.WithCancel(context.Background())
	return &WorkerPool{
		size:  int64(size),
		slots: semaphore.NewWeighted(int64(size)),
		stop:  stop,
		halt:  halt,
	}
}

// Size reports the number of slots.
func (p *WorkerPool) Size() int { return int(p.size) }

// Submit waits for a free slot and starts fn on its own goroutine. It fails
// with ctx's error when ctx ends first and with ErrPoolShutdown once the
// pool is stopping. onDone, if set, runs after fn returns or panics.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error, onDone func()) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}

	p.gate.RLock()
	if p.stop.Err() != nil {
		p.gate.RUnlock()
		p.slots.Release(1)
		return ErrPoolShutdown
	}
	p.inflight.Add(1)
	p.gate.RUnlock()

	p.active.Add(1)
	go p.work(ctx, fn, onDone)
	return nil
}

func (p *WorkerPool) acquire(ctx context.Context) error {
	if p.stop.Err() != nil {
		return ErrPoolShutdown
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(p.stop, cancel)
	defer unwatch()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolShutdown
	}
	return nil
}

func (p *WorkerPool) work(ctx context.Context, fn func(ctx context.Context) error, onDone func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		p.slots.Release(1)
		p.inflight.Done()
		if onDone != nil {
			onDone()
		}
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// RunBatch runs fn for every id and returns once each of them has finished.
// Work submitted outside the batch is not waited for. Ids the pool refused
// come back keyed to the refusal so the caller can still record an outcome.
func (p *WorkerPool) RunBatch(ctx context.Context, ids []string, fn func(ctx context.Context, id string) error) map[string]error {
	var (
		pending sync.WaitGroup
		refused = make(map[string]error)
	)
	for _, id := range ids {
		pending.Add(1)
		err := p.Submit(ctx, func(ctx context.Context) error {
			if err := fn(ctx, id); err != nil {
				return fmt.Errorf("node %s: %w", id, err)
			}
			return nil
		}, pending.Done)
		if err != nil {
			pending.Done()
			refused[id] = err
		}
	}
	pending.Wait()
	if len(refused) == 0 {
		return nil
	}
	return refused
}

// Wait blocks until every task started so far has returned.
func (p *WorkerPool) Wait() { p.inflight.Wait() }

// Shutdown refuses further work, unblocks callers waiting for a slot and
// waits for running tasks. Repeated calls are no-ops.
func (p *WorkerPool) Shutdown() {
	p.stopOnce.Do(func() {
		p.gate.Lock()
		p.halt()
		p.gate.Unlock()
	})
	p.inflight.Wait()
}

// Metrics snapshots the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
