package rpc

import (
	"context"

	"github.com/pkg/errors"
)

// GenericServer serves the requests of a single transport. Requests are
// pulled from the transport, invoked concurrently and their responses queued
// for the sender in the order chosen by its completion collection.
type GenericServer[Req, Resp any] struct {
	conf       ServerConfig
	ctx        context.Context
	transport  Transport[Req, Resp]
	service    Service[Req, Resp]
	middleware []Middleware[Req, Resp]

	input      Stream[Req]
	inputEnded bool
	active     Completions[Resp]
	responses  *Queue[Resp]
	sender     *responseSender[Resp]
}

func newGenericServer[Req, Resp any](service Service[Req, Resp], transport Transport[Req, Resp], active Completions[Resp], conf ServerConfig) *GenericServer[Req, Resp] {
	input, output := transport.Split()
	responses := NewQueue[Resp](0)

	return &GenericServer[Req, Resp]{
		conf:      conf,
		ctx:       context.Background(),
		transport: transport,
		service:   service,
		input:     input,
		active:    active,
		responses: responses,
		sender:    newResponseSender(responses, output),
	}
}

// NewPipelineServer returns a server that answers strictly in request order.
func NewPipelineServer[Req, Resp any](service Service[Req, Resp], transport Transport[Req, Resp], conf ServerConfig) *GenericServer[Req, Resp] {
	return newGenericServer(service, transport, Completions[Resp](NewOrdered[Resp](conf.Pool)), conf)
}

// NewMultiplexServer returns a server that answers as soon as each invocation
// completes. Responses must carry the correlation id of their request.
func NewMultiplexServer[Req, Resp any](service Service[Req, Resp], transport Transport[Req, Resp], conf ServerConfig) *GenericServer[Req, Resp] {
	return newGenericServer(service, transport, Completions[Resp](NewUnordered[Resp](conf.Pool)), conf)
}

// RunPipelineServer serves transport in pipeline mode until it is exhausted.
func RunPipelineServer[Req, Resp any](ctx context.Context, service Service[Req, Resp], transport Transport[Req, Resp], conf ServerConfig) error {
	return NewPipelineServer(service, transport, conf).Serve(ctx)
}

// RunMultiplexServer serves transport in multiplex mode until it is exhausted.
func RunMultiplexServer[Req, Resp any](ctx context.Context, service Service[Req, Resp], transport Transport[Req, Resp], conf ServerConfig) error {
	return NewMultiplexServer(service, transport, conf).Serve(ctx)
}

func (s *GenericServer[Req, Resp]) Middleware(m Middleware[Req, Resp]) {
	s.middleware = append(s.middleware, m)
}

// Poll advances the server without blocking. It reports true once the input
// ended, every invocation completed and every response was flushed.
func (s *GenericServer[Req, Resp]) Poll() (bool, error) {
	for {
		pulled, err := s.pollRequests()
		if err != nil {
			return false, err
		}
		queued, err := s.pollResponses()
		if err != nil {
			return false, err
		}
		if pulled == 0 && queued == 0 {
			break
		}
	}
	return s.sender.poll()
}

func (s *GenericServer[Req, Resp]) admissionOpen() bool {
	return s.conf.MaxInFlight <= 0 || s.active.Len() < s.conf.MaxInFlight
}

func (s *GenericServer[Req, Resp]) pollRequests() (int, error) {
	pulled := 0
	for !s.inputEnded && s.admissionOpen() {
		req, status, err := s.input.PollNext()
		if err != nil {
			return pulled, &ServerError{Kind: ReceiveError, Err: err}
		}

		switch status {
		case Pending:
			return pulled, nil
		case Ended:
			s.logDebug("Request stream ended")
			s.inputEnded = true
			return pulled, nil
		}

		pulled++
		if err := s.active.Push(s.ctx, s.invoke(req)); err != nil {
			return pulled, &ServerError{Kind: ServiceError, Err: err}
		}
	}
	return pulled, nil
}

func (s *GenericServer[Req, Resp]) invoke(req Req) Task[Resp] {
	return func(ctx context.Context) (Resp, error) {
		return ApplyHandlerChain(ctx, req, s.middleware, s.service.Call)
	}
}

func (s *GenericServer[Req, Resp]) pollResponses() (int, error) {
	queued := 0
	for {
		resp, status, err := s.active.PollNext()
		if err != nil {
			return queued, &ServerError{Kind: ServiceError, Err: err}
		}

		switch status {
		case Pending:
			return queued, nil
		case Ended:
			if s.inputEnded {
				s.responses.Close()
			}
			return queued, nil
		}

		if _, err := s.responses.StartSend(resp); err != nil {
			return queued, &ServerError{Kind: ConnectionClosed}
		}
		queued++
	}
}

// Serve drives the server until it completes, fails or ctx is done. The
// transport is closed on return, and invocations still in flight are
// cancelled.
func (s *GenericServer[Req, Resp]) Serve(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	defer func() {
		closeTransport(s.transport, err != nil)
	}()

	for {
		inputWake := s.input.Ready()
		activeWake := s.active.Ready()
		sinkWake := s.sender.ready()

		done, pollErr := s.Poll()
		if pollErr != nil {
			s.handleError(pollErr)
			return pollErr
		}
		if done {
			s.logDebug("Server completed")
			return nil
		}

		if s.inputEnded || !s.admissionOpen() {
			inputWake = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inputWake:
		case <-activeWake:
		case <-sinkWake:
		}
	}
}

func (s *GenericServer[Req, Resp]) handleError(err error) {
	s.logError("Encountered error: " + err.Error())
	if s.conf.ErrHandler != nil {
		s.conf.ErrHandler(err)
	}
}

func (s *GenericServer[Req, Resp]) logDebug(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Debug(msg)
	}
}

func (s *GenericServer[Req, Resp]) logError(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Error(msg)
	}
}

// responseSender forwards queued responses into the outbound sink and closes
// the sink once the queue is closed and drained.
type responseSender[T any] struct {
	queue      *Queue[T]
	sink       Sink[T]
	pending    T
	hasPending bool
	ended      bool
	closed     bool
}

func newResponseSender[T any](queue *Queue[T], sink Sink[T]) *responseSender[T] {
	return &responseSender[T]{
		queue: queue,
		sink:  sink,
	}
}

func (s *responseSender[T]) poll() (bool, error) {
	for !s.ended || s.hasPending {
		if !s.hasPending {
			item, status, err := s.queue.PollNext()
			if err != nil {
				return false, s.fail(errors.Wrap(err, "response queue failed"))
			}
			if status == Pending {
				break
			}
			if status == Ended {
				s.ended = true
				break
			}
			s.pending = item
			s.hasPending = true
		}

		ok, err := s.sink.StartSend(s.pending)
		if err != nil {
			return false, s.fail(err)
		}
		if !ok {
			break
		}
		var zero T
		s.pending = zero
		s.hasPending = false
	}

	flushed, err := s.sink.PollFlush()
	if err != nil {
		return false, s.fail(err)
	}
	if !flushed || !s.ended || s.hasPending {
		return false, nil
	}

	if !s.closed {
		s.closed = true
		if err := s.sink.Close(); err != nil {
			return false, s.fail(err)
		}
	}
	return true, nil
}

// fail drops the queue so later hand-offs report a closed connection.
func (s *responseSender[T]) fail(err error) error {
	s.queue.CloseRead()
	return &ServerError{Kind: SendError, Err: err}
}

func (s *responseSender[T]) ready() <-chan struct{} {
	return s.sink.Ready()
}
