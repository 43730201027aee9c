// Package buffer provides the bounded byte queue used for every per-channel
// media and digit stream.
package buffer

import (
	"fmt"
	"sync"

	"github.com/flowpbx/openzap/internal/status"
)

// Buffer is a FIFO byte queue that grows in blocks up to an optional
// maximum. All methods are safe for concurrent use so producers and
// consumers on different goroutines need no external lock.
type Buffer struct {
	mu        sync.Mutex
	data      []byte
	head      int
	blockSize int
	maxLen    int // 0 means unbounded
}

// New creates a buffer with the given initial capacity. Growth happens in
// multiples of blockSize; writes that would push the buffered length past
// maxLen fail with status.ErrMemory. A maxLen of 0 disables the limit.
func New(blockSize, startLen, maxLen int) *Buffer {
	if blockSize <= 0 {
		blockSize = 256
	}
	if startLen < 0 {
		startLen = 0
	}
	return &Buffer{
		data:      make([]byte, 0, startLen),
		blockSize: blockSize,
		maxLen:    maxLen,
	}
}

// Write appends p to the buffer. The write is all-or-nothing.
func (b *Buffer) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	inuse := len(b.data) - b.head
	if b.maxLen > 0 && inuse+len(p) > b.maxLen {
		return fmt.Errorf("buffer full (%d+%d > %d): %w", inuse, len(p), b.maxLen, status.ErrMemory)
	}

	if len(b.data)+len(p) > cap(b.data) {
		b.compact()
		if need := len(b.data) + len(p); need > cap(b.data) {
			size := ((need + b.blockSize - 1) / b.blockSize) * b.blockSize
			grown := make([]byte, len(b.data), size)
			copy(grown, b.data)
			b.data = grown
		}
	}
	b.data = append(b.data, p...)
	return nil
}

// WriteString appends s to the buffer.
func (b *Buffer) WriteString(s string) error {
	return b.Write([]byte(s))
}

// Read drains up to len(p) bytes into p and returns the count. An empty
// buffer yields 0 without error.
func (b *Buffer) Read(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := copy(p, b.data[b.head:])
	b.head += n
	if b.head == len(b.data) {
		b.data = b.data[:0]
		b.head = 0
	}
	return n
}

// Peek copies up to len(p) bytes without consuming them.
func (b *Buffer) Peek(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copy(p, b.data[b.head:])
}

// Toss discards up to n bytes from the front and returns how many were
// dropped.
func (b *Buffer) Toss(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	inuse := len(b.data) - b.head
	if n > inuse {
		n = inuse
	}
	b.head += n
	if b.head == len(b.data) {
		b.data = b.data[:0]
		b.head = 0
	}
	return n
}

// Inuse returns the number of buffered bytes.
func (b *Buffer) Inuse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.head
}

// Free returns how many more bytes fit before the maximum is hit, or -1 for
// an unbounded buffer.
func (b *Buffer) Free() int {
	if b.maxLen == 0 {
		return -1
	}
	return b.maxLen - b.Inuse()
}

// MaxLen returns the configured maximum, 0 when unbounded.
func (b *Buffer) MaxLen() int {
	return b.maxLen
}

// Zero empties the buffer, keeping its allocation.
func (b *Buffer) Zero() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
	b.head = 0
}

// compact slides unread bytes to the start of the backing array.
// Caller must hold b.mu.
func (b *Buffer) compact() {
	if b.head == 0 {
		return
	}
	n := copy(b.data, b.data[b.head:])
	b.data = b.data[:n]
	b.head = 0
}
