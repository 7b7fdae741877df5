package rpc

import (
	"context"
)

// Service handles one request at a time. Implementations must be safe for
// concurrent use: a server invokes them from many goroutines.
type Service[Req, Resp any] interface {
	Call(ctx context.Context, req Req) (Resp, error)
}

// ServiceFunc adapts a plain function to a Service.
type ServiceFunc[Req, Resp any] func(context.Context, Req) (Resp, error)

func (f ServiceFunc[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// ServiceFactory builds the service for a newly accepted connection.
type ServiceFactory[Req, Resp any] func() (Service[Req, Resp], error)

// ServiceStream yields a new service from a factory every time it is polled.
// It never ends, so a listening server fed by it runs until its transport
// stream ends.
type ServiceStream[Req, Resp any] struct {
	factory ServiceFactory[Req, Resp]
	never   chan struct{}
}

func NewServiceStream[Req, Resp any](factory ServiceFactory[Req, Resp]) *ServiceStream[Req, Resp] {
	return &ServiceStream[Req, Resp]{
		factory: factory,
		never:   make(chan struct{}),
	}
}

// RepeatService shares one service between every connection.
func RepeatService[Req, Resp any](svc Service[Req, Resp]) *ServiceStream[Req, Resp] {
	return NewServiceStream(func() (Service[Req, Resp], error) {
		return svc, nil
	})
}

func (s *ServiceStream[Req, Resp]) PollNext() (Service[Req, Resp], Status, error) {
	svc, err := s.factory()
	if err != nil {
		return nil, Pending, err
	}
	return svc, Available, nil
}

// Ready never fires: a service is available on every poll.
func (s *ServiceStream[Req, Resp]) Ready() <-chan struct{} {
	return s.never
}
