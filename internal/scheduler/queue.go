package scheduler

import (
	"context"
	"sync"
)

// MergeQueue serializes writes to a shared trunk. Callers wait their turn
// in Do; a cancelled context leaves the queue without running.
type MergeQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	busy    bool
	waiting int
}

// NewMergeQueue creates an empty queue.
func NewMergeQueue() *MergeQueue {
	q := &MergeQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Do runs fn once no other Do call on q is running.
func (q *MergeQueue) Do(ctx context.Context, fn func() error) error {
	if err := q.acquire(ctx); err != nil {
		return err
	}
	defer q.release()
	return fn()
}

func (q *MergeQueue) acquire(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.busy {
		q.busy = true
		return nil
	}

	// Wake waiters on cancellation so they can observe ctx.Err.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	q.waiting++
	defer func() { q.waiting-- }()
	for q.busy {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		// Pass the slot on to the next waiter.
		q.cond.Signal()
		return err
	}
	q.busy = true
	return nil
}

func (q *MergeQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = false
	q.cond.Signal()
}

// Waiting returns the number of callers blocked in Do.
func (q *MergeQueue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting
}
