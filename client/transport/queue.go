package transport

import "sync"

// Queue is an unbounded FIFO safe for one or more producers and consumers.
// Ready is signalled after every Push so a consumer can sleep until there is work.
type Queue[T any] struct {
	mx    sync.Mutex
	items []T
	ready chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

func (q *Queue[T]) Push(v T) {
	q.mx.Lock()
	q.items = append(q.items, v)
	q.mx.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything queued, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mx.Lock()
	defer q.mx.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *Queue[T]) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.items)
}

// Clear drops pending items and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}
