// Package ringbuf provides a fixed-capacity FIFO byte buffer used to stage
// tunnel payload between socket I/O and caller-sized reads and writes.
package ringbuf

import (
	"fmt"
	"sync"

	"github.com/WhileEndless/httptunnel/pkg/hterr"
)

// Buffer is a fixed-capacity ring buffer of octets. Unlike a growable
// buffer, Append never allocates past construction: it refuses writes once
// Capacity() bytes are already queued. Available() + SpaceLeft() ==
// Capacity() at all times.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	head     int // next byte to read
	count    int // bytes currently stored
}

// New creates a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &Buffer{data: make([]byte, capacity), capacity: capacity}
}

// Append copies up to len(src) bytes into the buffer, bounded by the
// remaining space, and reports how many bytes were actually written. It
// never blocks and never writes a partial tail beyond space available.
func (b *Buffer) Append(src []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(src)
	if free := b.capacity - b.count; n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	tail := (b.head + b.count) % b.capacity
	first := b.capacity - tail
	if first > n {
		first = n
	}
	copy(b.data[tail:tail+first], src[:first])
	if rest := n - first; rest > 0 {
		copy(b.data[0:rest], src[first:n])
	}
	b.count += n
	return n
}

// Consume copies up to len(dst) bytes out of the buffer in FIFO order,
// removing them, and reports how many bytes were copied.
func (b *Buffer) Consume(dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumeLocked(dst, true)
}

// Peek copies up to len(dst) bytes out of the buffer without removing them.
func (b *Buffer) Peek(dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumeLocked(dst, false)
}

func (b *Buffer) consumeLocked(dst []byte, remove bool) int {
	n := len(dst)
	if n > b.count {
		n = b.count
	}
	if n == 0 {
		return 0
	}

	first := b.capacity - b.head
	if first > n {
		first = n
	}
	copy(dst[:first], b.data[b.head:b.head+first])
	if rest := n - first; rest > 0 {
		copy(dst[first:n], b.data[0:rest])
	}
	if remove {
		b.head = (b.head + n) % b.capacity
		b.count -= n
	}
	return n
}

// Available reports how many bytes are currently queued for reading.
func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// SpaceLeft reports how many more bytes Append can currently accept.
func (b *Buffer) SpaceLeft() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity - b.count
}

// Capacity returns the buffer's fixed capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Reset discards any queued bytes without reallocating.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

// AppendAll is a convenience wrapper around Append that fails if the
// buffer does not have room for all of src, instead of silently truncating.
func (b *Buffer) AppendAll(src []byte) error {
	n := b.Append(src)
	if n != len(src) {
		return hterr.NewIOError("ringbuf append", fmt.Errorf("ring buffer full: wrote %d of %d bytes", n, len(src)))
	}
	return nil
}
