// Package queue provides the unbounded FIFO that connects pullers to the
// writer.
//
// Push never blocks, so a slow sink never stalls a producer. The flip side is
// that memory grows without bound while the consumer is stalled; there is no
// backpressure and queued items are lost when the process exits.
package queue

import (
	"context"
	"sync"

	"labrecorder/internal/notify"
)

// Queue is a multi-producer FIFO. Any number of goroutines may Push
// concurrently; Pop is intended for a single consumer but is safe for more.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	signal *notify.Signal
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: notify.NewSignal()}
}

// Push appends v to the tail of the queue.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal.Notify()
}

// Pop removes and returns the head of the queue, blocking until an item is
// available or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if v, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return v, nil
		}
		wake := q.signal.C()
		q.mu.Unlock()

		if err := notify.Wait(ctx, wake); err != nil {
			var zero T
			return zero, err
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}
