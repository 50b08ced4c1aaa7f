package router

import (
	"sync"
)

// GrowableBuffer is a thread-safe FIFO ring that doubles its capacity once
// it is 70% full, up to a ceiling. At the ceiling the oldest item is
// discarded to make room, so a stalled consumer costs history, not memory.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int // next read
	size   int
	limit  int // 0 = unbounded
	closed bool

	// Stats
	pushed  int64
	popped  int64
	dropped int64
	grows   int
}

// NewGrowableBuffer creates a buffer starting at initial slots and never
// exceeding limit slots (limit <= 0 means no ceiling).
func NewGrowableBuffer[T any](initial, limit int) *GrowableBuffer[T] {
	if initial < 1 {
		initial = 1
	}
	if limit > 0 && limit < initial {
		limit = initial
	}
	b := &GrowableBuffer[T]{
		ring:  make([]T, initial),
		limit: limit,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends item. It returns false once the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := max(len(b.ring)*70/100, 1)
	if b.size+1 >= threshold && b.canGrow() {
		b.resize(min(len(b.ring)*2, b.ceiling()))
	}

	if b.size == len(b.ring) {
		// Full at the ceiling
		b.pop()
		b.popped--
		b.dropped++
	}

	b.ring[(b.head+b.size)%len(b.ring)] = item
	b.size++
	b.pushed++

	b.cond.Signal()
	return true
}

// Receive blocks until an item is available. It returns false once the
// buffer is closed and drained.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.size == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.size == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// DrainTo removes up to n items (all of them when n <= 0) in FIFO order.
func (b *GrowableBuffer[T]) DrainTo(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}
	if n <= 0 || n > b.size {
		n = b.size
	}

	out := make([]T, n)
	for i := range out {
		out[i] = b.pop()
	}
	return out
}

// Close rejects further sends and wakes blocked receivers. Items already
// queued can still be received.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64 // Items accepted by Send
	TotalSent     int64 // Items handed to consumers
	Dropped       int64 // Items evicted at the ceiling
	ResizeCount   int
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.size,
		Capacity:      len(b.ring),
		TotalReceived: b.pushed,
		TotalSent:     b.popped,
		Dropped:       b.dropped,
		ResizeCount:   b.grows,
	}
}

func (b *GrowableBuffer[T]) ceiling() int {
	if b.limit <= 0 {
		return len(b.ring) * 2
	}
	return b.limit
}

func (b *GrowableBuffer[T]) canGrow() bool {
	return b.limit <= 0 || len(b.ring) < b.limit
}

// pop removes the head item. Must be called with lock held and size > 0.
func (b *GrowableBuffer[T]) pop() T {
	item := b.ring[b.head]
	var zero T
	b.ring[b.head] = zero
	b.head = (b.head + 1) % len(b.ring)
	b.size--
	b.popped++
	return item
}

// resize moves the queued items into a ring of n slots. Must be called
// with lock held.
func (b *GrowableBuffer[T]) resize(n int) {
	ring := make([]T, n)
	for i := 0; i < b.size; i++ {
		ring[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	b.ring = ring
	b.head = 0
	b.grows++
}
