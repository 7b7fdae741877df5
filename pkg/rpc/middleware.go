package rpc

import (
	"context"
)

type Handler[Req, Resp any] func(context.Context, Req) (Resp, error)
type Middleware[Req, Resp any] func(context.Context, Req, Handler[Req, Resp]) (Resp, error)

func buildHandlerFunction[Req, Resp any](middleware []Middleware[Req, Resp], final Handler[Req, Resp]) Handler[Req, Resp] {

	// start with the final handler
	chain := final

	// loop backwards through the middleware slice
	for i := len(middleware) - 1; i >= 0; i-- {
		// capture the current middleware handler
		m := middleware[i]

		// wrap the current chain with the current middleware
		next := chain
		chain = func(ctx context.Context, req Req) (Resp, error) {
			return m(ctx, req, next)
		}
	}

	// return the fully chained handler
	return chain
}

func ApplyHandlerChain[Req, Resp any](ctx context.Context, req Req, middleware []Middleware[Req, Resp], final Handler[Req, Resp]) (Resp, error) {
	fn := buildHandlerFunction(middleware, final)
	return fn(ctx, req)
}

// WithMiddleware wraps svc so every call passes through middleware, outermost
// first.
func WithMiddleware[Req, Resp any](svc Service[Req, Resp], middleware ...Middleware[Req, Resp]) Service[Req, Resp] {
	if len(middleware) == 0 {
		return svc
	}
	return ServiceFunc[Req, Resp](buildHandlerFunction(middleware, svc.Call))
}
