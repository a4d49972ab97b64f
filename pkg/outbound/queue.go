package outbound

import "github.com/eapache/queue"

const DefaultCapacity = 100

// Queue is a bounded FIFO of messages waiting for a connection. When full,
// the oldest entry is evicted to make room. It is not safe for concurrent
// use; the owning client serializes access.
type Queue[T any] struct {
	items    *queue.Queue
	capacity int
	evicted  uint64
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{items: queue.New(), capacity: capacity}
}

// Enqueue appends v and returns the entry evicted to make room, if any.
func (q *Queue[T]) Enqueue(v T) (evicted T, ok bool) {
	if q.items.Length() >= q.capacity {
		evicted = q.items.Remove().(T)
		ok = true
		q.evicted++
	}
	q.items.Add(v)
	return evicted, ok
}

// Drain hands entries to send in FIFO order. An entry leaves the queue only
// once send accepts it; the first refusal stops the drain and keeps that
// entry and everything behind it queued.
func (q *Queue[T]) Drain(send func(T) bool) int {
	sent := 0
	for q.items.Length() > 0 {
		head := q.items.Peek().(T)
		if !send(head) {
			break
		}
		q.items.Remove()
		sent++
	}
	return sent
}

// Clear drops every entry and reports how many were dropped.
func (q *Queue[T]) Clear() int {
	n := q.items.Length()
	for q.items.Length() > 0 {
		q.items.Remove()
	}
	return n
}

func (q *Queue[T]) Len() int {
	return q.items.Length()
}

func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Evicted counts entries dropped by overflow over the queue's lifetime.
func (q *Queue[T]) Evicted() uint64 {
	return q.evicted
}

// Items returns a snapshot in FIFO order.
func (q *Queue[T]) Items() []T {
	out := make([]T, 0, q.items.Length())
	for i := 0; i < q.items.Length(); i++ {
		out = append(out, q.items.Get(i).(T))
	}
	return out
}
