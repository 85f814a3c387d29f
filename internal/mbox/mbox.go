// Package mbox provides an unbounded FIFO mailbox.
//
// Cache entries are actors: every message sent to an entry must be
// delivered in arrival order without ever blocking the sender, and the
// same holds for chunk broadcasts to registered readers. A plain Go
// channel cannot provide both properties at once (a bounded channel
// blocks the sender, an unbuffered one couples sender and receiver), so
// this package implements the unbounded queue both sides are built on.
package mbox

import "sync"

// Mailbox is an unbounded FIFO queue safe for concurrent use.
//
// Put never blocks. Get blocks until an item is available or the mailbox
// is closed and drained. After Close, queued items are still delivered;
// only new Puts are rejected.
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put enqueues v and reports whether it was accepted.
// It returns false once the mailbox has been closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, v)
	m.cond.Signal()
	return true
}

// Get dequeues the oldest item, blocking if the mailbox is empty.
// It returns ok=false only when the mailbox is closed and fully drained.
func (m *Mailbox[T]) Get() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}

	if len(m.items) == 0 {
		var zero T
		return zero, false
	}

	v := m.items[0]
	m.items[0] = *new(T) // release reference
	m.items = m.items[1:]
	return v, true
}

// TryGet dequeues the oldest item without blocking.
func (m *Mailbox[T]) TryGet() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		var zero T
		return zero, false
	}

	v := m.items[0]
	m.items[0] = *new(T)
	m.items = m.items[1:]
	return v, true
}

// Close rejects all future Puts. Items already queued remain readable.
// Close is idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.cond.Broadcast()
}

// Closed reports whether the mailbox has been closed. Queued items may
// still be readable.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
