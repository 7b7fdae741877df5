package rpc

import (
	"context"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
)

// Envelope is a general purpose multiplexed message. Requests and responses
// share the type; a response carries the id of its request.
type Envelope struct {
	ID       string            `msgpack:"id"`
	Metadata map[string]string `msgpack:"metadata,omitempty"`
	Payload  []byte            `msgpack:"payload"`
	Error    string            `msgpack:"error,omitempty"`
}

// NewCorrelationID returns a random id suitable for multiplexed requests.
func NewCorrelationID() string {
	return uuid.New()
}

// NewEnvelope wraps payload in a request carrying a fresh id, the metadata
// attached to ctx and the span context of ctx.
func NewEnvelope(ctx context.Context, payload []byte) *Envelope {
	md := make(map[string]string)
	for k, v := range GetMetadataFromContext(ctx) {
		md[k] = v
	}
	InjectTrace(ctx, md)

	return &Envelope{
		ID:       NewCorrelationID(),
		Metadata: md,
		Payload:  payload,
	}
}

func (e *Envelope) CorrelationID() string {
	return e.ID
}

func (e *Envelope) Reply(payload []byte) *Envelope {
	return &Envelope{
		ID:      e.ID,
		Payload: payload,
	}
}

func (e *Envelope) ReplyError(err error) *Envelope {
	return &Envelope{
		ID:    e.ID,
		Error: err.Error(),
	}
}

// Err returns the error reported by the remote service, if any.
func (e *Envelope) Err() error {
	if e.Error == "" {
		return nil
	}
	return &RemoteError{Message: e.Error}
}

// RemoteError is an error returned by the service on the other end of the
// connection.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// EnvelopeService adapts a payload level service to envelopes. Metadata and
// trace context of each request are restored into the invocation context.
// Service errors are sent back in the response, leaving the connection up.
func EnvelopeService(svc Service[[]byte, []byte]) Service[*Envelope, *Envelope] {
	return ServiceFunc[*Envelope, *Envelope](func(ctx context.Context, req *Envelope) (*Envelope, error) {
		if len(req.Metadata) > 0 {
			ctx = ExtractTrace(ctx, req.Metadata)
			ctx = NewContextWithMetadata(ctx, req.Metadata)
		}

		payload, err := svc.Call(ctx, req.Payload)
		if err != nil {
			return req.ReplyError(err), nil
		}
		return req.Reply(payload), nil
	})
}

// EnvelopeCaller is implemented by clients exchanging envelopes.
type EnvelopeCaller interface {
	Call(ctx context.Context, req *Envelope) (*Envelope, error)
}

// Invoke sends payload through client and returns the response payload.
func Invoke(ctx context.Context, client EnvelopeCaller, payload []byte) ([]byte, error) {
	resp, err := client.Call(ctx, NewEnvelope(ctx, payload))
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return resp.Payload, nil
}
