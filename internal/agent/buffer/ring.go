package buffer

import "sync"

// Ring is a bounded FIFO that evicts the oldest element when full.
// Push never blocks the producer; consumers poll with TryPop or Drain.
// Safe for concurrent use from multiple goroutines.
type Ring[T any] struct {
	mu   sync.Mutex
	buf  []T
	head int64
	tail int64
}

// NewRing creates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.tail%int64(len(r.buf))] = v
	r.tail++
	if r.tail-r.head > int64(len(r.buf)) {
		r.head++
	}
}

// TryPop removes and returns the oldest element without blocking.
// The second return value is false when the ring is empty.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.head == r.tail {
		return zero, false
	}
	idx := r.head % int64(len(r.buf))
	v := r.buf[idx]
	r.buf[idx] = zero
	r.head++
	return v, true
}

// Drain removes and returns all buffered elements, oldest first.
// Returns nil when the ring is empty.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head == r.tail {
		return nil
	}
	out := make([]T, 0, r.tail-r.head)
	var zero T
	for r.head < r.tail {
		idx := r.head % int64(len(r.buf))
		out = append(out, r.buf[idx])
		r.buf[idx] = zero
		r.head++
	}
	return out
}

// Len reports the number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.tail - r.head)
}

// Clear discards all buffered elements.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.tail = 0
}
