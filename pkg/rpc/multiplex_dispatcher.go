package rpc

import (
	"fmt"
	"sync"

	"github.com/kbirk/rpcmux/pkg/log"
	"github.com/pkg/errors"
)

// MultiplexDispatcher correlates responses by the id carried in each message.
// Ids must be registered before their request is sent, and only registered
// ids are buffered.
type MultiplexDispatcher[ID comparable, T MessageWithID[ID]] struct {
	logger log.Logger

	sourceMu sync.Mutex
	source   Stream[T]

	mu          sync.Mutex
	items       map[ID]T
	outstanding map[ID]struct{}
	ended       bool
	err         error
}

func NewMultiplexDispatcher[ID comparable, T MessageWithID[ID]](source Stream[T], logger log.Logger) *MultiplexDispatcher[ID, T] {
	return &MultiplexDispatcher[ID, T]{
		logger:      logger,
		source:      source,
		items:       make(map[ID]T),
		outstanding: make(map[ID]struct{}),
	}
}

// Register marks id as outstanding. It fails with ErrIDInUse if the id is
// already waiting for a response.
func (d *MultiplexDispatcher[ID, T]) Register(id ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.outstanding[id]; ok {
		return errors.Wrapf(ErrIDInUse, "id %v", id)
	}
	d.outstanding[id] = struct{}{}
	return nil
}

// SpawnReceiver returns a receiver for an id previously registered.
func (d *MultiplexDispatcher[ID, T]) SpawnReceiver(id ID) *Receiver[ID, T] {
	return NewReceiver[ID, T](d, id)
}

func (d *MultiplexDispatcher[ID, T]) Poll(id ID) (T, bool, error) {
	if item, ok := d.removeIfReady(id); ok {
		return item, true, nil
	}

	d.drain()

	if item, ok := d.removeIfReady(id); ok {
		return item, true, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var zero T
	if d.err != nil {
		return zero, false, d.err
	}
	if d.ended {
		return zero, false, ErrSourceClosed
	}
	return zero, false, nil
}

func (d *MultiplexDispatcher[ID, T]) removeIfReady(id ID) (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.outstanding[id]; !ok {
		duplicateRetrieval("id %v is not outstanding", id)
	}

	item, ok := d.items[id]
	if ok {
		delete(d.items, id)
		delete(d.outstanding, id)
	}
	return item, ok
}

// drain moves every item currently available from the source into the map.
func (d *MultiplexDispatcher[ID, T]) drain() {
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
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			d.logError("Failed to read response: " + err.Error())
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

func (d *MultiplexDispatcher[ID, T]) store(item T) {
	id := item.CorrelationID()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.outstanding[id]; !ok {
		d.logWarn(fmt.Sprintf("Discarded response with unrecognized id: %v", id))
		return
	}
	if _, ok := d.items[id]; ok {
		d.logWarn(fmt.Sprintf("Discarded duplicate response for id: %v", id))
		return
	}
	d.items[id] = item
}

func (d *MultiplexDispatcher[ID, T]) Abandon(id ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.items, id)
	delete(d.outstanding, id)
}

func (d *MultiplexDispatcher[ID, T]) Ready() <-chan struct{} {
	return d.source.Ready()
}

// Outstanding returns the number of ids waiting for or holding a response.
func (d *MultiplexDispatcher[ID, T]) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outstanding)
}

func (d *MultiplexDispatcher[ID, T]) logDebug(msg string) {
	if d.logger != nil {
		d.logger.Debug(msg)
	}
}

func (d *MultiplexDispatcher[ID, T]) logWarn(msg string) {
	if d.logger != nil {
		d.logger.Warn(msg)
	}
}

func (d *MultiplexDispatcher[ID, T]) logError(msg string) {
	if d.logger != nil {
		d.logger.Error(msg)
	}
}
