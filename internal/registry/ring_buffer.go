package registry

import (
	"sync"

	"transit/internal/protocol"
)

// RingBuffer is a fixed-capacity circular buffer of completed command
// results. It lets issuers fetch a result after the fact by traceId.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []protocol.CommandResult
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		buf:      make([]protocol.CommandResult, capacity),
		capacity: capacity,
	}
}

// Write adds a result, overwriting the oldest once full.
func (rb *RingBuffer) Write(result protocol.CommandResult) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = result
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// Find returns the newest result with traceID.
func (rb *RingBuffer) Find(traceID string) (protocol.CommandResult, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.pos
	if rb.full {
		n = rb.capacity
	}
	for i := 1; i <= n; i++ {
		idx := (rb.pos - i + rb.capacity) % rb.capacity
		if rb.buf[idx].TraceID == traceID {
			return rb.buf[idx], true
		}
	}
	return protocol.CommandResult{}, false
}

// ReadAll returns all results in chronological order.
func (rb *RingBuffer) ReadAll() []protocol.CommandResult {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]protocol.CommandResult, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]protocol.CommandResult, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
