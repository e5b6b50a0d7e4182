// Package queue provides the bounded, non-blocking ring buffers the arena
// layer's span caches need: an MPSC queue for an arena's large-span caches
// (many foreign-thread producers, the arena's owning thread as sole
// consumer) and an MPMC queue for the global and per-arena 1-span caches.
//
// Both wrap [code.hybscloud.com/lfq], re-exposing its FAA-based algorithms
// under non-blocking try-semantics: push/pop never block and never retry
// beyond the single CAS lfq itself performs internally.
package queue

import "code.hybscloud.com/lfq"

// MPSC is a bounded multi-producer, single-consumer queue of *T.
//
// Many foreign threads may call TryPush concurrently; only the single
// designated consumer (the arena's owning thread) may call TryPop.
// Violating that constraint is undefined behavior, per lfq's own contract.
type MPSC[T any] struct {
	q lfq.Queue[T]
}

// NewMPSC constructs an MPSC queue with the given capacity, rounded up to
// the next power of two by lfq.
func NewMPSC[T any](capacity int) *MPSC[T] {
	return &MPSC[T]{q: lfq.NewMPSC[T](capacity)}
}

// TryPush attempts to enqueue v, returning false if the queue is full.
func (q *MPSC[T]) TryPush(v *T) bool {
	return !lfq.IsWouldBlock(q.q.Enqueue(v))
}

// TryPop attempts to dequeue a value, returning (nil, false) if the queue is
// empty.
func (q *MPSC[T]) TryPop() (*T, bool) {
	v, err := q.q.Dequeue()
	if lfq.IsWouldBlock(err) {
		return nil, false
	}

	return v, true
}

// Drain marks the queue as no longer receiving enqueues, allowing TryPop to
// fully empty it without the FAA threshold livelock guard blocking on
// stalled producers. Used during arena/handler teardown.
func (q *MPSC[T]) Drain() {
	if d, ok := any(q.q).(lfq.Drainer); ok {
		d.Drain()
	}
}

// MPMC is a bounded multi-producer, multi-consumer queue of *T, used for the
// global span cache and for every arena's 1-span cache, in both handler
// modes.
type MPMC[T any] struct {
	q lfq.Queue[T]
}

// NewMPMC constructs an MPMC queue with the given capacity, rounded up to
// the next power of two by lfq.
func NewMPMC[T any](capacity int) *MPMC[T] {
	return &MPMC[T]{q: lfq.NewMPMC[T](capacity)}
}

// TryPush attempts to enqueue v, returning false if the queue is full.
func (q *MPMC[T]) TryPush(v *T) bool {
	return !lfq.IsWouldBlock(q.q.Enqueue(v))
}

// TryPop attempts to dequeue a value, returning (nil, false) if the queue is
// empty.
func (q *MPMC[T]) TryPop() (*T, bool) {
	v, err := q.q.Dequeue()
	if lfq.IsWouldBlock(err) {
		return nil, false
	}

	return v, true
}

// Drain marks the queue as no longer receiving enqueues, draining it without
// the FAA threshold guard.
func (q *MPMC[T]) Drain() {
	if d, ok := any(q.q).(lfq.Drainer); ok {
		d.Drain()
	}
}
