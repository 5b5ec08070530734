// Package broadcast implements the outbound queue between the transcription
// pipeline and its readers. Every reader owns a cursor and observes every item
// published after it subscribed, in publish order.
package broadcast

import (
	"context"
	"sync"
)

// node is one link of the append-only log. ready is closed once value and
// next have been set; neither field changes afterwards.
type node[T any] struct {
	ready chan struct{}
	value T
	next  *node[T]
}

func newNode[T any]() *node[T] {
	return &node[T]{ready: make(chan struct{})}
}

// Queue is an unbounded multi-reader broadcast log. Publishers serialize on
// an internal mutex; readers never take it. Links no cursor references any
// more are reclaimed by the garbage collector.
type Queue[T any] struct {
	mu        sync.Mutex
	tail      *node[T]
	published uint64
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{tail: newNode[T]()}
}

// Publish appends item. It never blocks on readers.
func (q *Queue[T]) Publish(item T) {
	next := newNode[T]()

	q.mu.Lock()
	cur := q.tail
	cur.value = item
	cur.next = next
	q.tail = next
	q.published++
	q.mu.Unlock()

	close(cur.ready)
}

// Published returns the number of items appended so far.
func (q *Queue[T]) Published() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.published
}

// Subscribe returns a cursor positioned after the last published item.
func (q *Queue[T]) Subscribe() *Cursor[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &Cursor[T]{at: q.tail}
}

// Cursor is a single reader's position in a Queue. A cursor must not be used
// from more than one goroutine at a time.
type Cursor[T any] struct {
	at *node[T]
}

// Next blocks until the next item is published or ctx is done.
func (c *Cursor[T]) Next(ctx context.Context) (T, error) {
	select {
	case <-c.at.ready:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	item := c.at.value
	c.at = c.at.next
	return item, nil
}

// TryNext returns the next item without blocking.
func (c *Cursor[T]) TryNext() (T, bool) {
	select {
	case <-c.at.ready:
		item := c.at.value
		c.at = c.at.next
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Ready returns a channel that is closed when Next would not block.
func (c *Cursor[T]) Ready() <-chan struct{} {
	return c.at.ready
}
