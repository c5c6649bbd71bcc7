package ringbuffer

import "sync"

// RingBuffer is a fixed-capacity circular byte store. front and rear are
// absolute offsets that only ever grow; their difference is the number of
// live bytes, and the backing slice is indexed modulo its capacity.
//
// A RingBuffer is safe for concurrent use.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	front uint64 // one past the last byte written
	rear  uint64 // first byte not yet consumed
}

func New(capacity int) *RingBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Put appends as much of data as fits and returns the number of bytes
// accepted. Bytes beyond the remaining capacity are dropped.
func (rb *RingBuffer) Put(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if free := rb.remaining(); n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	// Write may wrap past the end of the backing slice
	start := int(rb.front % uint64(len(rb.buf)))
	firstChunk := copy(rb.buf[start:], data[:n])
	if firstChunk < n {
		copy(rb.buf, data[firstChunk:n])
	}
	rb.front += uint64(n)
	return n
}

// Get returns a copy of up to length bytes starting start bytes after the
// oldest live byte. Nothing is consumed.
func (rb *RingBuffer) Get(start, length int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := rb.size()
	if start < 0 || length <= 0 || start >= size {
		return []byte{}
	}
	if length > size-start {
		length = size - start
	}

	out := make([]byte, length)
	idx := int((rb.rear + uint64(start)) % uint64(len(rb.buf)))
	firstChunk := copy(out, rb.buf[idx:])
	if firstChunk < length {
		copy(out[firstChunk:], rb.buf[:length-firstChunk])
	}
	return out
}

// Advance drops offset bytes from the front of the live region. It never
// moves past the last written byte.
func (rb *RingBuffer) Advance(offset int) {
	if offset <= 0 {
		return
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if size := rb.size(); offset > size {
		offset = size
	}
	rb.rear += uint64(offset)
}

// Reset discards all live bytes.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.rear = rb.front
}

func (rb *RingBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size()
}

func (rb *RingBuffer) Remaining() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.remaining()
}

func (rb *RingBuffer) Capacity() int {
	return len(rb.buf)
}

func (rb *RingBuffer) size() int {
	return int(rb.front - rb.rear)
}

func (rb *RingBuffer) remaining() int {
	return len(rb.buf) - rb.size()
}
