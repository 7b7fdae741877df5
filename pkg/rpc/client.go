package rpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PipelineClient issues requests over a transport whose peer answers strictly
// in request order. Any number of goroutines may call it concurrently.
type PipelineClient[Req, Resp any] struct {
	conf       ClientConfig
	transport  Transport[Resp, Req]
	sink       *SharedSink[Req]
	dispatcher *FifoDispatcher[Resp]
	middleware []Middleware[Req, Resp]
}

func NewPipelineClient[Req, Resp any](transport Transport[Resp, Req], conf ClientConfig) *PipelineClient[Req, Resp] {
	incoming, outgoing := transport.Split()

	return &PipelineClient[Req, Resp]{
		conf:       conf,
		transport:  transport,
		sink:       NewSharedSink(outgoing),
		dispatcher: NewFifoDispatcher(incoming, conf.Logger),
	}
}

func (c *PipelineClient[Req, Resp]) Middleware(middleware Middleware[Req, Resp]) {
	c.middleware = append(c.middleware, middleware)
}

func (c *PipelineClient[Req, Resp]) GetMiddleware() []Middleware[Req, Resp] {
	return c.middleware
}

// Start begins a call and returns the pollable state of it. The response
// position is reserved when the transport accepts the request.
func (c *PipelineClient[Req, Resp]) Start(req Req) *ClientReceiver[uint64, Req, Resp] {
	sender := NewRequestSender(c.sink, req, c.dispatcher.NextID)
	return NewClientReceiver[uint64, Req, Resp](c.dispatcher, sender)
}

// Call sends req and waits for its response.
func (c *PipelineClient[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return ApplyHandlerChain(ctx, req, c.middleware, c.call)
}

func (c *PipelineClient[Req, Resp]) call(ctx context.Context, req Req) (Resp, error) {
	ctx, span := startSpan(ctx, "rpcmux.PipelineClient/Call", trace.SpanKindClient,
		attribute.String("rpc.mode", "pipeline"))

	resp, err := awaitCall(ctx, c.Start(req))
	if err != nil {
		c.handleError(err)
	}
	endSpan(span, err)
	return resp, err
}

// Close closes the transport. Calls still waiting fail once the response
// stream ends.
func (c *PipelineClient[Req, Resp]) Close() error {
	return c.transport.Close()
}

func (c *PipelineClient[Req, Resp]) handleError(err error) {
	if isCancellation(err) {
		c.logDebug("Call abandoned: " + err.Error())
		return
	}
	c.logError("Encountered error: " + err.Error())
	if c.conf.ErrHandler != nil {
		c.conf.ErrHandler(err)
	}
}

func (c *PipelineClient[Req, Resp]) logDebug(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Debug(msg)
	}
}

func (c *PipelineClient[Req, Resp]) logError(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Error(msg)
	}
}

// MultiplexClient issues requests that carry their own correlation id over a
// transport whose peer may answer in any order.
type MultiplexClient[ID comparable, Req MessageWithID[ID], Resp MessageWithID[ID]] struct {
	conf       ClientConfig
	transport  Transport[Resp, Req]
	sink       *SharedSink[Req]
	dispatcher *MultiplexDispatcher[ID, Resp]
	middleware []Middleware[Req, Resp]
}

func NewMultiplexClient[ID comparable, Req MessageWithID[ID], Resp MessageWithID[ID]](transport Transport[Resp, Req], conf ClientConfig) *MultiplexClient[ID, Req, Resp] {
	incoming, outgoing := transport.Split()

	return &MultiplexClient[ID, Req, Resp]{
		conf:       conf,
		transport:  transport,
		sink:       NewSharedSink(outgoing),
		dispatcher: NewMultiplexDispatcher[ID, Resp](incoming, conf.Logger),
	}
}

func (c *MultiplexClient[ID, Req, Resp]) Middleware(middleware Middleware[Req, Resp]) {
	c.middleware = append(c.middleware, middleware)
}

func (c *MultiplexClient[ID, Req, Resp]) GetMiddleware() []Middleware[Req, Resp] {
	return c.middleware
}

// Start registers the id of req and begins the call. If the id is still
// outstanding the returned receiver fails with ErrIDInUse.
func (c *MultiplexClient[ID, Req, Resp]) Start(req Req) *ClientReceiver[ID, Req, Resp] {
	id := req.CorrelationID()
	if err := c.dispatcher.Register(id); err != nil {
		return failedClientReceiver[ID, Req, Resp](err)
	}

	sender := NewRequestSender(c.sink, req, func() ID { return id })
	receiver := NewClientReceiver[ID, Req, Resp](c.dispatcher, sender)
	receiver.release = func() {
		c.dispatcher.Abandon(id)
	}
	return receiver
}

// Call sends req and waits for the response carrying the same id.
func (c *MultiplexClient[ID, Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return ApplyHandlerChain(ctx, req, c.middleware, c.call)
}

func (c *MultiplexClient[ID, Req, Resp]) call(ctx context.Context, req Req) (Resp, error) {
	ctx, span := startSpan(ctx, "rpcmux.MultiplexClient/Call", trace.SpanKindClient,
		attribute.String("rpc.mode", "multiplex"),
		attribute.String("rpc.correlation_id", fmt.Sprint(req.CorrelationID())))

	resp, err := awaitCall(ctx, c.Start(req))
	if err != nil {
		c.handleError(err)
	}
	endSpan(span, err)
	return resp, err
}

func (c *MultiplexClient[ID, Req, Resp]) Close() error {
	return c.transport.Close()
}

func (c *MultiplexClient[ID, Req, Resp]) handleError(err error) {
	if isCancellation(err) {
		c.logDebug("Call abandoned: " + err.Error())
		return
	}
	c.logError("Encountered error: " + err.Error())
	if c.conf.ErrHandler != nil {
		c.conf.ErrHandler(err)
	}
}

func (c *MultiplexClient[ID, Req, Resp]) logDebug(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Debug(msg)
	}
}

func (c *MultiplexClient[ID, Req, Resp]) logError(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Error(msg)
	}
}

// awaitCall drives r to completion and abandons it if ctx ends first.
func awaitCall[ID comparable, Req, Resp any](ctx context.Context, r *ClientReceiver[ID, Req, Resp]) (Resp, error) {
	resp, err := Await[Resp](ctx, r)
	if err != nil {
		r.Abandon()
	}
	return resp, err
}
