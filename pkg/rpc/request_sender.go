package rpc

import (
	"sync"
)

// SharedSink serializes concurrent writers onto a single sink. Each holder of
// the lock performs one bounded, non-blocking start-send and flush step.
type SharedSink[T any] struct {
	mu   sync.Mutex
	sink Sink[T]
}

func NewSharedSink[T any](sink Sink[T]) *SharedSink[T] {
	return &SharedSink[T]{
		sink: sink,
	}
}

func (s *SharedSink[T]) Ready() <-chan struct{} {
	return s.sink.Ready()
}

func (s *SharedSink[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Close()
}

// RequestSender writes one request to a shared sink and, once the request has
// been flushed, yields the value produced by seed. Seed runs under the sink
// lock at the moment the sink accepts the request, so values it allocates are
// ordered exactly as the requests appear on the wire.
type RequestSender[T any, S any] struct {
	sink     *SharedSink[T]
	request  T
	accepted bool
	seed     func() S
	value    S
	done     bool
}

func NewRequestSender[T any, S any](sink *SharedSink[T], request T, seed func() S) *RequestSender[T, S] {
	return &RequestSender[T, S]{
		sink:    sink,
		request: request,
		seed:    seed,
	}
}

func (s *RequestSender[T, S]) Poll() (S, bool, error) {
	if s.done {
		duplicateRetrieval("request sender polled after it completed")
	}

	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()

	var zero S

	if !s.accepted {
		ok, err := s.sink.sink.StartSend(s.request)
		if err != nil {
			s.done = true
			return zero, false, err
		}
		if !ok {
			return zero, false, nil
		}
		var empty T
		s.request = empty
		s.accepted = true
		s.value = s.seed()
	}

	ok, err := s.sink.sink.PollFlush()
	if err != nil {
		s.done = true
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}

	s.done = true
	return s.value, true, nil
}

// Seed returns the value allocated when the sink accepted the request.
func (s *RequestSender[T, S]) Seed() (S, bool) {
	return s.value, s.accepted
}

func (s *RequestSender[T, S]) Ready() <-chan struct{} {
	return s.sink.Ready()
}
