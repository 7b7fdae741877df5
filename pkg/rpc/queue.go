package rpc

import (
	"context"
	"sync"
)

// Queue is an in-memory, order preserving message buffer. It implements both
// Stream and Sink, so it serves as the response queue between a server's
// completions and its sender, as either half of an in-process transport, and
// as the hand-off buffer between a connection's I/O goroutines and the core.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []T
	head       int
	capacity   int
	closed     bool
	readClosed bool
	err        error
	changed    Signal
}

// NewQueue creates a queue holding at most capacity items; a capacity of zero
// or less makes it unbounded.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		capacity: capacity,
	}
}

func (q *Queue[T]) lenUnsafe() int {
	return len(q.items) - q.head
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenUnsafe()
}

func (q *Queue[T]) StartSend(item T) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.readClosed {
		return false, ErrConnectionClosed
	}
	if q.closed {
		return false, ErrQueueClosed
	}
	if q.capacity > 0 && q.lenUnsafe() >= q.capacity {
		return false, nil
	}

	q.items = append(q.items, item)
	q.changed.Notify()
	return true, nil
}

// PollFlush reports true: accepted items are immediately visible to the
// reader.
func (q *Queue[T]) PollFlush() (bool, error) {
	return true, nil
}

// Close marks the end of the stream. Buffered items are still delivered.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.changed.Notify()
	}
	return nil
}

// Fail closes the queue with a terminal error, reported by PollNext after the
// buffered items.
func (q *Queue[T]) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.changed.Notify()
}

// CloseRead signals that the reader went away. Buffered items are dropped and
// later sends fail with ErrConnectionClosed.
func (q *Queue[T]) CloseRead() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.readClosed = true
	q.items = nil
	q.head = 0
	q.changed.Notify()
}

func (q *Queue[T]) PollNext() (T, Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.lenUnsafe() == 0 {
		if q.closed {
			if q.err != nil {
				return zero, Ended, q.err
			}
			return zero, Ended, nil
		}
		return zero, Pending, nil
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.changed.Notify()
	return item, Available, nil
}

// Ready implements both Stream.Ready and Sink.Ready; it fires on any change
// a reader or a writer could be waiting for.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.changed.C()
}

// Send blocks until item is accepted, the queue is closed or ctx is done.
func (q *Queue[T]) Send(ctx context.Context, item T) error {
	for {
		wake := q.changed.C()
		ok, err := q.StartSend(item)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Recv blocks until an item is available. ok is false once the queue ended.
func (q *Queue[T]) Recv(ctx context.Context) (item T, ok bool, err error) {
	for {
		wake := q.changed.C()
		item, status, err := q.PollNext()
		switch status {
		case Available:
			return item, true, nil
		case Ended:
			return item, false, err
		}
		select {
		case <-ctx.Done():
			return item, false, ctx.Err()
		case <-wake:
		}
	}
}
