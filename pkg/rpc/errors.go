package rpc

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDuplicateRetrieval is the panic value raised when an id is retrieved
	// twice, or a completed poller is polled again.
	ErrDuplicateRetrieval = errors.New("rpc: item retrieved twice")
	// ErrSourceClosed is returned to callers still waiting for an id when the
	// inbound stream ends.
	ErrSourceClosed = errors.New("rpc: source closed while request pending")
	// ErrIDInUse is returned when a multiplexed request reuses an id that is
	// still outstanding.
	ErrIDInUse = errors.New("rpc: correlation id already in use")
	// ErrConnectionClosed is returned when writing to a connection whose
	// consumer has already gone away.
	ErrConnectionClosed = errors.New("rpc: connection closed")
	// ErrQueueClosed is returned when sending to a closed Queue.
	ErrQueueClosed = errors.New("rpc: queue closed")
	// ErrTransportClosed is returned by ServerTransport.Accept after Close.
	ErrTransportClosed = errors.New("rpc: transport is closed")
	// ErrFlushTimeout is returned by Close when queued messages could not be
	// written in time.
	ErrFlushTimeout = errors.New("rpc: timed out flushing connection")
)

type Op int

const (
	SendOp Op = iota
	ReceiveOp
)

func (o Op) String() string {
	if o == SendOp {
		return "send request"
	}
	return "receive response"
}

// ClientError tags a failed call with the phase that failed.
type ClientError struct {
	Op  Op
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

type ServerErrorKind int

const (
	ConnectionClosed ServerErrorKind = iota
	ReceiveError
	ServiceError
	SendError
)

// ServerError is the terminal error of a single connection's server.
type ServerError struct {
	Kind ServerErrorKind
	Err  error
}

func (e *ServerError) Error() string {
	switch e.Kind {
	case ConnectionClosed:
		return "failed to send a response because the connection was closed"
	case ReceiveError:
		return fmt.Sprintf("failed to receive request: %v", e.Err)
	case ServiceError:
		return fmt.Sprintf("failed to service request: %v", e.Err)
	case SendError:
		return fmt.Sprintf("failed to send response: %v", e.Err)
	}
	return fmt.Sprintf("server error: %v", e.Err)
}

func (e *ServerError) Unwrap() error {
	if e.Kind == ConnectionClosed && e.Err == nil {
		return ErrConnectionClosed
	}
	return e.Err
}

type ListeningServerErrorKind int

const (
	TransportAcceptError ListeningServerErrorKind = iota
	ServiceProvisionError
	ActiveConnectionError
)

// ListeningServerError is the terminal error of a listening server.
type ListeningServerError struct {
	Kind ListeningServerErrorKind
	Err  error
}

func (e *ListeningServerError) Error() string {
	switch e.Kind {
	case TransportAcceptError:
		return fmt.Sprintf("failed to receive a new transport: %v", e.Err)
	case ServiceProvisionError:
		return fmt.Sprintf("failed to provision a service: %v", e.Err)
	case ActiveConnectionError:
		return fmt.Sprintf("one of the active servers failed: %v", e.Err)
	}
	return fmt.Sprintf("listening server error: %v", e.Err)
}

func (e *ListeningServerError) Unwrap() error {
	return e.Err
}

func duplicateRetrieval(format string, args ...interface{}) {
	panic(errors.Wrapf(ErrDuplicateRetrieval, format, args...))
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
