// Package spsc implements a bounded single-producer/single-consumer ring
// buffer. Capacity must be a power of two; one slot is always reserved so
// the full/empty states never collide, meaning a queue constructed with
// capacity N stores at most N-1 elements.
package spsc

import (
	"sync"
	"sync/atomic"
)

// Queue is a lock-free ring buffer on the fast path, with a mutex+cond
// companion used only by WaitAndPop to block the consumer when empty.
// Exactly one goroutine may call Push (the producer) and exactly one
// goroutine may call Pop/WaitAndPop (the consumer); violating this
// invariant is a caller bug, not something the queue detects. Empty and
// Len only load the counters and may be called from any goroutine.
type Queue[T any] struct {
	mask uint64
	buf  []T

	_    [64]byte
	head atomic.Uint64 // producer-owned, published with release semantics
	_    [64]byte
	tail atomic.Uint64 // consumer-owned, published with release semantics
	_    [64]byte

	mu        sync.Mutex
	cond      *sync.Cond
	notEmpty  bool // predicate recheck flag, guarded by mu
}

// New creates a queue of the given capacity, rounded to the next power of
// two if necessary. Capacity must be >= 2.
func New[T any](capacity int) *Queue[T] {
	capacity = nextPowerOfTwo(capacity)
	q := &Queue[T]{
		mask: uint64(capacity - 1),
		buf:  make([]T, capacity),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func nextPowerOfTwo(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Push writes v into the ring. It returns false without blocking if the
// queue is full; the caller is responsible for logging and dropping.
func (q *Queue[T]) Push(v T) bool {
	head := q.head.Load()
	tail := q.tail.Load()

	if head-tail >= uint64(len(q.buf)-1) {
		return false
	}

	q.buf[head&q.mask] = v
	q.head.Store(head + 1)

	q.mu.Lock()
	q.notEmpty = true
	q.mu.Unlock()
	q.cond.Signal()

	return true
}

// Pop returns the oldest element and true, or the zero value and false if
// the queue is currently empty. Non-blocking.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T

	tail := q.tail.Load()
	head := q.head.Load()

	if tail == head {
		return zero, false
	}

	v := q.buf[tail&q.mask]
	q.tail.Store(tail + 1)

	return v, true
}

// WaitAndPop blocks until an element is available, then returns it. Only
// the designated consumer goroutine may call this.
func (q *Queue[T]) WaitAndPop() T {
	for {
		if v, ok := q.Pop(); ok {
			return v
		}

		q.mu.Lock()
		for !q.notEmpty {
			q.cond.Wait()
		}
		q.notEmpty = false
		q.mu.Unlock()
	}
}

// Empty reports whether the queue currently has no elements. The result
// may be stale by the time the caller observes it.
func (q *Queue[T]) Empty() bool {
	return q.head.Load() == q.tail.Load()
}

// Len returns an approximate count of stored elements.
func (q *Queue[T]) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	return int(head - tail)
}
