package rpc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Task is a unit of work tracked by a Completions collection.
type Task[T any] func(context.Context) (T, error)

// Completions tracks in-flight operations and yields their results.
//
// PollNext reports Available with the result of one finished operation (its
// error, if it failed, is returned alongside), Pending while operations are
// still running, and Ended while the collection is empty. Ended is not
// terminal: pushing a new operation makes the collection pending again.
type Completions[T any] interface {
	Push(ctx context.Context, op Task[T]) error
	PollNext() (T, Status, error)
	Ready() <-chan struct{}
	Len() int
}

// runTask converts a panic inside op into an error.
func runTask[T any](ctx context.Context, op Task[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

type orderedSlot[T any] struct {
	value T
	err   error
	done  bool
}

// Ordered yields results in the order the operations were pushed, holding
// back results that finish early.
type Ordered[T any] struct {
	executor Executor
	mu       sync.Mutex
	slots    []*orderedSlot[T]
	changed  Signal
}

func NewOrdered[T any](executor Executor) *Ordered[T] {
	return &Ordered[T]{
		executor: executorOrDefault(executor),
	}
}

func (o *Ordered[T]) Push(ctx context.Context, op Task[T]) error {
	slot := &orderedSlot[T]{}

	o.mu.Lock()
	o.slots = append(o.slots, slot)
	o.mu.Unlock()

	err := o.executor.Submit(func() {
		value, err := runTask(ctx, op)

		o.mu.Lock()
		slot.value = value
		slot.err = err
		slot.done = true
		o.mu.Unlock()

		o.changed.Notify()
	})
	if err != nil {
		o.remove(slot)
		return errors.Wrap(err, "failed to submit operation")
	}
	return nil
}

func (o *Ordered[T]) remove(slot *orderedSlot[T]) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, s := range o.slots {
		if s == slot {
			o.slots = append(o.slots[:i], o.slots[i+1:]...)
			return
		}
	}
}

func (o *Ordered[T]) PollNext() (T, Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var zero T
	if len(o.slots) == 0 {
		return zero, Ended, nil
	}

	front := o.slots[0]
	if !front.done {
		return zero, Pending, nil
	}

	o.slots[0] = nil
	o.slots = o.slots[1:]
	return front.value, Available, front.err
}

func (o *Ordered[T]) Ready() <-chan struct{} {
	return o.changed.C()
}

func (o *Ordered[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.slots)
}

type completion[T any] struct {
	value T
	err   error
}

// Unordered yields results as soon as each operation finishes.
type Unordered[T any] struct {
	executor Executor
	mu       sync.Mutex
	done     []completion[T]
	inFlight int
	changed  Signal
}

func NewUnordered[T any](executor Executor) *Unordered[T] {
	return &Unordered[T]{
		executor: executorOrDefault(executor),
	}
}

func (u *Unordered[T]) Push(ctx context.Context, op Task[T]) error {
	u.mu.Lock()
	u.inFlight++
	u.mu.Unlock()

	err := u.executor.Submit(func() {
		value, err := runTask(ctx, op)

		u.mu.Lock()
		u.inFlight--
		u.done = append(u.done, completion[T]{value: value, err: err})
		u.mu.Unlock()

		u.changed.Notify()
	})
	if err != nil {
		u.mu.Lock()
		u.inFlight--
		u.mu.Unlock()
		return errors.Wrap(err, "failed to submit operation")
	}
	return nil
}

func (u *Unordered[T]) PollNext() (T, Status, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	var zero T
	if len(u.done) > 0 {
		c := u.done[0]
		u.done[0] = completion[T]{}
		u.done = u.done[1:]
		return c.value, Available, c.err
	}
	if u.inFlight == 0 {
		return zero, Ended, nil
	}
	return zero, Pending, nil
}

func (u *Unordered[T]) Ready() <-chan struct{} {
	return u.changed.C()
}

func (u *Unordered[T]) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inFlight + len(u.done)
}
