package rpc

import (
	"fmt"
	"sync"

	"github.com/kbirk/rpcmux/pkg/log"
)

// FifoDispatcher correlates responses by arrival position: the n-th item read
// from the source answers id n.
type FifoDispatcher[T any] struct {
	logger log.Logger

	sourceMu sync.Mutex
	source   Stream[T]

	mu        sync.Mutex
	queue     *ReadyQueue[T]
	nextID    uint64
	abandoned map[uint64]struct{}
	ended     bool
	err       error
}

func NewFifoDispatcher[T any](source Stream[T], logger log.Logger) *FifoDispatcher[T] {
	return &FifoDispatcher[T]{
		logger:    logger,
		source:    source,
		queue:     NewReadyQueue[T](),
		abandoned: make(map[uint64]struct{}),
	}
}

// NextID reserves the position of the next request written to the wire. It
// must be called in the same order the requests are accepted by the sink.
func (d *FifoDispatcher[T]) NextID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	return id
}

// SpawnReceiver reserves the next position and returns a receiver for it.
func (d *FifoDispatcher[T]) SpawnReceiver() *Receiver[uint64, T] {
	return NewReceiver[uint64, T](d, d.NextID())
}

func (d *FifoDispatcher[T]) Poll(id uint64) (T, bool, error) {
	if item, ok, err := d.popIfReady(id); ok || err != nil {
		return item, ok, err
	}

	d.drain()

	item, ok, err := d.popIfReady(id)
	if ok || err != nil {
		return item, ok, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return item, false, d.err
	}
	if d.ended {
		return item, false, ErrSourceClosed
	}
	return item, false, nil
}

func (d *FifoDispatcher[T]) popIfReady(id uint64) (T, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.abandoned[id]; ok {
		duplicateRetrieval("id %d was abandoned", id)
	}

	item, ok := d.queue.Pop(id)
	return item, ok, nil
}

// drain moves every item currently available from the source into the queue.
func (d *FifoDispatcher[T]) drain() {
	d.sourceMu.Lock()
	defer d.sourceMu.Unlock()

	d.mu.Lock()
	finished := d.ended || d.err != nil
	d.mu.Unlock()
	if finished {
		return
	}

	for {
		item, status, err := d.source.PollNext()
		if err != nil {
			d.fail(err)
			return
		}

		switch status {
		case Pending:
			return
		case Ended:
			d.mu.Lock()
			d.ended = true
			d.mu.Unlock()
			d.logDebug("Response stream ended")
			return
		case Available:
			d.store(item)
		}
	}
}

func (d *FifoDispatcher[T]) store(item T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.queue.Push(item)
	if _, ok := d.abandoned[id]; ok {
		delete(d.abandoned, id)
		d.queue.Pop(id)
		d.logDebug(fmt.Sprintf("Discarded response %d for an abandoned request", id))
	}
}

func (d *FifoDispatcher[T]) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.err = err
	d.logError("Failed to read response: " + err.Error())
}

func (d *FifoDispatcher[T]) Abandon(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id < d.queue.Produced() {
		d.queue.Pop(id)
		return
	}
	if d.ended || d.err != nil {
		// nothing will arrive for id anymore
		return
	}
	d.abandoned[id] = struct{}{}
}

func (d *FifoDispatcher[T]) Ready() <-chan struct{} {
	return d.source.Ready()
}

// Buffered returns the number of retained queue slots.
func (d *FifoDispatcher[T]) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

func (d *FifoDispatcher[T]) logDebug(msg string) {
	if d.logger != nil {
		d.logger.Debug(msg)
	}
}

func (d *FifoDispatcher[T]) logError(msg string) {
	if d.logger != nil {
		d.logger.Error(msg)
	}
}
