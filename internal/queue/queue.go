// Package queue provides an unbounded FIFO with a channel on the consuming
// side, used as the mailbox between the gateway's goroutines.
package queue

import "sync"

// Queue is a multi-producer, single-consumer unbounded FIFO. Put never
// blocks. Items are delivered on Out in the order they were Put. After Close,
// remaining items are still delivered and then Out is closed.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
	out    chan T

	abortOnce sync.Once
	aborted   chan struct{}
}

// New starts a Queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		wake:    make(chan struct{}, 1),
		out:     make(chan T),
		aborted: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Put appends v. It reports false if the queue is already closed.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return true
}

// Out is the consuming side.
func (q *Queue[T]) Out() <-chan T { return q.out }

// Len reports items buffered and not yet handed to Out.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new items. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Abort closes the queue and discards anything not yet delivered, releasing
// the pump even if nobody reads Out again.
func (q *Queue[T]) Abort() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.abortOnce.Do(func() { close(q.aborted) })
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
			case <-q.aborted:
				return
			}
			continue
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.aborted:
			return
		}
	}
}
