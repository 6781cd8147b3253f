package pty

import "sync"

// DefaultRingSize is the per-session replay buffer capacity.
const DefaultRingSize = 256 * 1024

// RingBuffer keeps the most recent terminal output for replay after attach
// or revival. Writes past capacity overwrite the oldest data.
type RingBuffer struct {
	mu   sync.Mutex
	data []byte
	size int
	head int
	used int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &RingBuffer{data: make([]byte, size), size: size}
}

// Write appends p, overwriting the oldest bytes when full.
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= r.size {
		// Only the tail fits; everything older is gone anyway.
		copy(r.data, p[n-r.size:])
		r.head = 0
		r.used = r.size
		return n, nil
	}

	tail := (r.head + r.used) % r.size
	first := copy(r.data[tail:], p)
	copy(r.data, p[first:])

	r.used += n
	if r.used > r.size {
		r.head = (r.head + r.used - r.size) % r.size
		r.used = r.size
	}
	return n, nil
}

// Contents returns a copy of the buffered bytes, oldest first. The buffer is
// not consumed: replay must be repeatable across attaches.
func (r *RingBuffer) Contents() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.used)
	first := copy(out, r.data[r.head:min(r.head+r.used, r.size)])
	copy(out[first:], r.data[:r.used-first])
	return out
}

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}
