// Package queue provides an unbounded FIFO with a context-aware, optionally
// time-bounded Pop.
package queue

import (
	"context"
	"sync"
	"time"
)

// Queue is a goroutine-safe unbounded FIFO. The zero value is not usable; call
// [New].
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends items and wakes one waiting consumer.
func (q *Queue[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the head without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return v, true
}

// Pop waits for an item. A timeout <= 0 waits until ctx is done. It returns
// false when the timeout elapses or ctx is cancelled first.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, bool) {
	if v, ok := q.TryPop(); ok {
		return v, true
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		select {
		case <-q.notify:
			if v, ok := q.TryPop(); ok {
				return v, true
			}
		case <-deadline:
			return q.TryPop()
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
