package rpc

import (
	"context"
	"fmt"
)

type serverConstructor[Req, Resp any] func(Service[Req, Resp], Transport[Req, Resp], ServerConfig) *GenericServer[Req, Resp]

// ListeningServer pairs each new transport with a new service and serves
// every pair on its own GenericServer.
type ListeningServer[Req, Resp any] struct {
	conf       ListeningServerConfig
	ctx        context.Context
	services   Stream[Service[Req, Resp]]
	transports Stream[Transport[Req, Resp]]
	newServer  serverConstructor[Req, Resp]

	service      Service[Req, Resp]
	hasService   bool
	pairingEnded bool
	active       *Unordered[struct{}]
	connections  uint64
}

func newListeningServer[Req, Resp any](services Stream[Service[Req, Resp]], transports Stream[Transport[Req, Resp]], newServer serverConstructor[Req, Resp], conf ListeningServerConfig) *ListeningServer[Req, Resp] {
	return &ListeningServer[Req, Resp]{
		conf:       conf,
		ctx:        context.Background(),
		services:   services,
		transports: transports,
		newServer:  newServer,
		active:     NewUnordered[struct{}](DefaultPool()),
	}
}

// NewPipelineListeningServer serves every transport with a pipeline server.
func NewPipelineListeningServer[Req, Resp any](services Stream[Service[Req, Resp]], transports Stream[Transport[Req, Resp]], conf ListeningServerConfig) *ListeningServer[Req, Resp] {
	return newListeningServer(services, transports, NewPipelineServer[Req, Resp], conf)
}

// NewMultiplexListeningServer serves every transport with a multiplex server.
func NewMultiplexListeningServer[Req, Resp any](services Stream[Service[Req, Resp]], transports Stream[Transport[Req, Resp]], conf ListeningServerConfig) *ListeningServer[Req, Resp] {
	return newListeningServer(services, transports, NewMultiplexServer[Req, Resp], conf)
}

func RunPipelineListeningServer[Req, Resp any](ctx context.Context, services Stream[Service[Req, Resp]], transports Stream[Transport[Req, Resp]], conf ListeningServerConfig) error {
	return NewPipelineListeningServer(services, transports, conf).Serve(ctx)
}

func RunMultiplexListeningServer[Req, Resp any](ctx context.Context, services Stream[Service[Req, Resp]], transports Stream[Transport[Req, Resp]], conf ListeningServerConfig) error {
	return NewMultiplexListeningServer(services, transports, conf).Serve(ctx)
}

// Poll advances the listening server without blocking. It reports true once
// the transport or service stream ended and every active server completed.
func (s *ListeningServer[Req, Resp]) Poll() (bool, error) {
	if err := s.pollEndpoints(); err != nil {
		return false, err
	}
	return s.pollActive()
}

func (s *ListeningServer[Req, Resp]) pollEndpoints() error {
	for !s.pairingEnded {
		if !s.hasService {
			svc, status, err := s.services.PollNext()
			if err != nil {
				return &ListeningServerError{Kind: ServiceProvisionError, Err: err}
			}
			switch status {
			case Pending:
				return nil
			case Ended:
				s.logDebug("Service stream ended")
				s.pairingEnded = true
				return nil
			}
			s.service = svc
			s.hasService = true
		}

		transport, status, err := s.transports.PollNext()
		if err != nil {
			return &ListeningServerError{Kind: TransportAcceptError, Err: err}
		}
		switch status {
		case Pending:
			return nil
		case Ended:
			s.logDebug("Transport stream ended")
			s.pairingEnded = true
			return nil
		}

		s.spawn(s.service, transport)
		s.service = nil
		s.hasService = false
	}
	return nil
}

func (s *ListeningServer[Req, Resp]) spawn(svc Service[Req, Resp], transport Transport[Req, Resp]) {
	s.connections++
	id := s.connections

	conf := s.conf.ServerConfig
	conf.ErrHandler = nil
	server := s.newServer(svc, transport, conf)

	s.logInfo(fmt.Sprintf("Serving connection %d", id))
	err := s.active.Push(s.ctx, func(ctx context.Context) (struct{}, error) {
		err := server.Serve(ctx)
		if err == nil {
			s.logInfo(fmt.Sprintf("Connection %d completed", id))
		}
		return struct{}{}, err
	})
	if err != nil {
		// the task never ran so nothing else will close the transport
		transport.Close()
		s.logError(fmt.Sprintf("Failed to serve connection %d: %v", id, err))
	}
}

func (s *ListeningServer[Req, Resp]) pollActive() (bool, error) {
	for {
		_, status, err := s.active.PollNext()
		if err != nil {
			if !s.conf.IsolateConnections {
				return false, &ListeningServerError{Kind: ActiveConnectionError, Err: err}
			}
			s.handleError(&ListeningServerError{Kind: ActiveConnectionError, Err: err})
			continue
		}

		switch status {
		case Pending:
			return false, nil
		case Ended:
			return s.pairingEnded, nil
		}
	}
}

// ActiveConnections returns the number of servers still running.
func (s *ListeningServer[Req, Resp]) ActiveConnections() int {
	return s.active.Len()
}

// Serve drives the listening server until it completes, fails or ctx is
// done. Active servers are cancelled on return.
func (s *ListeningServer[Req, Resp]) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	for {
		var servicesWake, transportsWake <-chan struct{}
		if !s.pairingEnded {
			if !s.hasService {
				servicesWake = s.services.Ready()
			}
			transportsWake = s.transports.Ready()
		}
		activeWake := s.active.Ready()

		done, err := s.Poll()
		if err != nil {
			s.handleError(err)
			return err
		}
		if done {
			s.logDebug("Listening server completed")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-servicesWake:
		case <-transportsWake:
		case <-activeWake:
		}
	}
}

func (s *ListeningServer[Req, Resp]) handleError(err error) {
	s.logError("Encountered error: " + err.Error())
	if s.conf.ErrHandler != nil {
		s.conf.ErrHandler(err)
	}
}

func (s *ListeningServer[Req, Resp]) logDebug(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Debug(msg)
	}
}

func (s *ListeningServer[Req, Resp]) logInfo(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Info(msg)
	}
}

func (s *ListeningServer[Req, Resp]) logError(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Error(msg)
	}
}
