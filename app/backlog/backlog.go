// Package backlog provides a growable FIFO queue of job tokens awaiting
// dispatch or poll confirmation.
package backlog

import (
	"errors"
	"sync"
)

// ErrEmpty returned by Dequeue on an empty backlog
var ErrEmpty = errors.New("backlog is empty")

const defaultCapacity = 20

// Backlog is a thread-safe FIFO ring of tokens. Capacity doubles when full
// and never shrinks.
type Backlog struct {
	mu    sync.Mutex
	buf   []string
	front int
	rear  int
	size  int
}

// New creates a backlog with the given initial capacity, falling back to the
// default for non-positive values
func New(capacity int) *Backlog {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Backlog{buf: make([]string, capacity)}
}

// Enqueue appends the token to the rear, growing the buffer when full
func (b *Backlog) Enqueue(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == len(b.buf) {
		b.grow()
	}
	b.buf[b.rear] = token
	b.rear = (b.rear + 1) % len(b.buf)
	b.size++
}

// Dequeue removes and returns the oldest token, ErrEmpty if none remain
func (b *Backlog) Dequeue() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return "", ErrEmpty
	}
	token := b.buf[b.front]
	b.buf[b.front] = ""
	b.front = (b.front + 1) % len(b.buf)
	b.size--
	return token, nil
}

// grow doubles the buffer, caller must hold the lock
func (b *Backlog) grow() {
	buf := make([]string, len(b.buf)*2)
	for i := 0; i < b.size; i++ {
		buf[i] = b.buf[(b.front+i)%len(b.buf)]
	}
	b.buf, b.front, b.rear = buf, 0, b.size
}

// Len returns the number of queued tokens
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsEmpty reports whether the backlog has no tokens
func (b *Backlog) IsEmpty() bool { return b.Len() == 0 }

// IsFull reports whether the next enqueue will grow the buffer
func (b *Backlog) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == len(b.buf)
}

// Snapshot returns the queued tokens front-to-rear without consuming them.
// The result is a point-in-time copy, not consistent with concurrent mutations.
func (b *Backlog) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make([]string, b.size)
	for i := 0; i < b.size; i++ {
		res[i] = b.buf[(b.front+i)%len(b.buf)]
	}
	return res
}
