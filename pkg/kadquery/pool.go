package kadquery

import (
	"context"
	"sync"
)

// MaxConcurrentQueries bounds how many queries QueryPool runs at once
// (spec.md §4.3, "QueryPool guarantees").
const MaxConcurrentQueries = 64

// Pool runs and tracks concurrently executing queries, rejecting new work
// past MaxConcurrentQueries. Completed queries are harvested by Reap and
// delivered to the caller via its own reply channel — the pool itself
// holds no reply plumbing, mirroring the driver-owns-delivery split used
// throughout SPEC_FULL §5.
type Pool struct {
	mu      sync.Mutex
	running map[string]*Query
	done    map[string]Result
	waiters map[string]chan struct{}
	limit   int
}

// NewPool constructs a Pool with the given concurrency limit (0 uses the
// package default).
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = MaxConcurrentQueries
	}
	return &Pool{
		running: make(map[string]*Query),
		done:    make(map[string]Result),
		waiters: make(map[string]chan struct{}),
		limit:   limit,
	}
}

// Add starts q in the background, returning ErrTooManyConcurrentQueries if
// the pool is at capacity.
func (p *Pool) Add(ctx context.Context, q *Query) error {
	p.mu.Lock()
	if len(p.running) >= p.limit {
		p.mu.Unlock()
		return ErrTooManyConcurrentQueries
	}
	p.running[q.ID] = q
	ch := make(chan struct{})
	p.waiters[q.ID] = ch
	p.mu.Unlock()

	go func() {
		res := q.Run(ctx)
		p.mu.Lock()
		delete(p.running, q.ID)
		p.done[q.ID] = res
		close(ch)
		p.mu.Unlock()
	}()
	return nil
}

// Reap removes and returns a completed query's result, if any.
func (p *Pool) Reap(queryID string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.done[queryID]
	if ok {
		delete(p.done, queryID)
		delete(p.waiters, queryID)
	}
	return res, ok
}

// Wait blocks until queryID completes or ctx is cancelled, then reaps it.
func (p *Pool) Wait(ctx context.Context, queryID string) (Result, error) {
	p.mu.Lock()
	ch, ok := p.waiters[queryID]
	p.mu.Unlock()
	if !ok {
		if res, ok := p.Reap(queryID); ok {
			return res, nil
		}
		return Result{}, ErrQueryNotFound
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-ch:
		res, _ := p.Reap(queryID)
		return res, nil
	}
}

// ActiveCount returns the number of currently running queries.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}
