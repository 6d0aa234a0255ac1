// Package ring implements a fixed-capacity single-producer single-consumer
// ring buffer for sample streams.
//
// Exactly one goroutine may push and exactly one may pop. The producer only
// ever advances the input cursor and the consumer only ever advances the
// output cursor, so no lock is needed; the cursors are published with atomic
// stores so each side observes a consistent view of the other. One slot is
// always kept empty to disambiguate a full buffer from an empty one:
//
//	count = (in - out) mod N
//	space = N - 1 - count
package ring

import (
	"sync/atomic"
)

// MinCapacity is the smallest capacity New will accept. Two slots are the
// minimum for the one-slot-empty scheme to hold a single sample.
const MinCapacity = 2

// Ring is a fixed-capacity SPSC circular buffer of samples of type T.
type Ring[T any] struct {
	buf []T
	in  atomic.Int64 // next write position, producer-owned
	out atomic.Int64 // next read position, consumer-owned
}

// New returns a Ring holding up to capacity-1 buffered values. Capacities
// below MinCapacity are raised to MinCapacity.
func New[T any](capacity int) *Ring[T] {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Capacity returns the allocated slot count N. The buffer holds at most N-1
// values at a time.
func (r *Ring[T]) Capacity() int {
	return len(r.buf)
}

// Count returns the number of buffered values. Safe to call from either side.
func (r *Ring[T]) Count() int {
	n := int(r.in.Load() - r.out.Load())
	if n < 0 {
		n += len(r.buf)
	}
	return n
}

// Space returns the number of values that can be pushed before the buffer is
// full. Safe to call from either side.
func (r *Ring[T]) Space() int {
	return len(r.buf) - 1 - r.Count()
}

// Push appends a single value. It returns false, without writing, when the
// buffer is full. Producer side only.
func (r *Ring[T]) Push(v T) bool {
	if r.Space() == 0 {
		return false
	}
	in := r.in.Load()
	r.buf[in] = v
	in++
	if in >= int64(len(r.buf)) {
		in -= int64(len(r.buf))
	}
	r.in.Store(in)
	return true
}

// PushBatch appends as many values as fit, splitting the copy at the wrap
// boundary, and returns the number actually written. A short write is the
// expected outcome when the buffer is nearly full, not an error. Producer
// side only.
func (r *Ring[T]) PushBatch(vals []T) int {
	n := len(vals)
	if space := r.Space(); n > space {
		n = space
	}
	if n == 0 {
		return 0
	}
	in := r.in.Load()
	first := int64(len(r.buf)) - in // slots before the wrap point
	if first > int64(n) {
		first = int64(n)
	}
	copy(r.buf[in:], vals[:first])
	in += first
	if in >= int64(len(r.buf)) {
		in -= int64(len(r.buf))
	}
	if rest := int64(n) - first; rest > 0 {
		copy(r.buf, vals[first:int64(n)])
		in = rest
	}
	r.in.Store(in)
	return n
}

// Pop removes and returns the oldest value. The second return is false when
// the buffer is empty. Consumer side only.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.Count() == 0 {
		return zero, false
	}
	out := r.out.Load()
	v := r.buf[out]
	out++
	if out >= int64(len(r.buf)) {
		out -= int64(len(r.buf))
	}
	r.out.Store(out)
	return v, true
}

// PopBatch removes up to len(dst) values into dst and returns the number
// copied. Consumer side only.
func (r *Ring[T]) PopBatch(dst []T) int {
	n := len(dst)
	if count := r.Count(); n > count {
		n = count
	}
	if n == 0 {
		return 0
	}
	out := r.out.Load()
	first := int64(len(r.buf)) - out
	if first > int64(n) {
		first = int64(n)
	}
	copy(dst[:first], r.buf[out:out+first])
	out += first
	if out >= int64(len(r.buf)) {
		out -= int64(len(r.buf))
	}
	if rest := int64(n) - first; rest > 0 {
		copy(dst[first:n], r.buf[:rest])
		out = rest
	}
	r.out.Store(out)
	return n
}

// Peek returns the oldest value without consuming it. Consumer side only.
func (r *Ring[T]) Peek() (T, bool) {
	var zero T
	if r.Count() == 0 {
		return zero, false
	}
	return r.buf[r.out.Load()], true
}

// Skip discards up to n buffered values and returns the number discarded.
// Consumer side only.
func (r *Ring[T]) Skip(n int) int {
	if count := r.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return 0
	}
	out := r.out.Load() + int64(n)
	if out >= int64(len(r.buf)) {
		out -= int64(len(r.buf))
	}
	r.out.Store(out)
	return n
}

// Clear discards all buffered data by moving the output cursor up to the
// input cursor. Consumer side only; the producer may keep pushing throughout.
func (r *Ring[T]) Clear() {
	r.out.Store(r.in.Load())
}

// In returns the current write cursor (mod capacity). Either side may read
// it; only the producer advances it.
func (r *Ring[T]) In() int64 {
	return r.in.Load()
}

// Out returns the current read cursor (mod capacity). Either side may read
// it; only the consumer advances it.
func (r *Ring[T]) Out() int64 {
	return r.out.Load()
}

// SeekOut moves the read cursor to an absolute position previously obtained
// from In or Out. It returns false when cursor does not lie within the
// currently readable window, leaving the cursor unchanged. Consumer side
// only; this is the entry point for a host that tracks read positions
// externally and hands them back each scheduling tick.
func (r *Ring[T]) SeekOut(cursor int64) bool {
	if cursor < 0 || cursor >= int64(len(r.buf)) {
		return false
	}
	in := r.in.Load()
	out := r.out.Load()
	// Readable window is [out, in) in modular order.
	ahead := cursor - out
	if ahead < 0 {
		ahead += int64(len(r.buf))
	}
	avail := in - out
	if avail < 0 {
		avail += int64(len(r.buf))
	}
	if ahead > avail {
		return false
	}
	r.out.Store(cursor)
	return true
}
