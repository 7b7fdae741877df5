package rpc

import (
	"context"
	"sync"
)

// Status is the outcome of a single non-blocking poll.
type Status int

const (
	// Pending means no item is available yet; wait on Ready and poll again.
	Pending Status = iota
	// Available means an item was returned.
	Available
	// Ended means the source is exhausted and will never yield again.
	Ended
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Available:
		return "available"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// Signal is a broadcast wake-up. Every call to Notify closes the channel
// handed out by the previous C calls, waking all of their waiters.
//
// Callers must grab C before polling so a notification that races with the
// poll is never lost.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func (s *Signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		close(s.ch)
	}
	s.ch = make(chan struct{})
}

// Poller is a single-shot computation driven by repeated polling.
type Poller[T any] interface {
	Poll() (T, bool, error)
	Ready() <-chan struct{}
}

// Await drives p until it completes, fails or ctx is done.
func Await[T any](ctx context.Context, p Poller[T]) (T, error) {
	for {
		wake := p.Ready()

		v, ok, err := p.Poll()
		if err != nil || ok {
			return v, err
		}

		// the poller may have moved on to a different wake source while polling
		if p.Ready() != wake {
			continue
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-wake:
		}
	}
}

// closedChan is returned as a wake channel by components that can always make
// progress immediately.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
