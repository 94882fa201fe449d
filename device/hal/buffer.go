package hal

import "io"

// Buffer is a borrowed byte region with a current length and a fixed
// capacity. A buffer has exactly one owner at a time: the pool, the
// interrupt handler, or a task.
type Buffer struct {
	data []byte
	n    int
}

// NewBuffer creates a buffer backed by a fresh region of size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// WrapBuffer creates a buffer backed by mem. The buffer starts empty.
func WrapBuffer(mem []byte) *Buffer {
	return &Buffer{data: mem}
}

// Len returns the number of valid bytes.
func (b *Buffer) Len() int {
	return b.n
}

// Cap returns the capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Bytes returns the valid bytes. The slice aliases the buffer memory.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

// Reset empties the buffer without touching its memory.
func (b *Buffer) Reset() {
	b.n = 0
}

// Resize sets the number of valid bytes. It returns false and leaves the
// buffer unchanged if n exceeds the capacity.
func (b *Buffer) Resize(n int) bool {
	if n < 0 || n > len(b.data) {
		return false
	}
	b.n = n
	return true
}

// Write appends p, truncating at capacity. A truncated write returns
// [io.ErrShortWrite].
func (b *Buffer) Write(p []byte) (int, error) {
	n := copy(b.data[b.n:], p)
	b.n += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
