package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingMiddleware(name string, calls *[]string) Middleware[string, string] {
	return func(ctx context.Context, req string, next Handler[string, string]) (string, error) {
		*calls = append(*calls, name+":before")
		resp, err := next(ctx, req)
		*calls = append(*calls, name+":after")
		return resp, err
	}
}

func TestApplyHandlerChainOrder(t *testing.T) {

	var calls []string
	middleware := []Middleware[string, string]{
		recordingMiddleware("outer", &calls),
		recordingMiddleware("inner", &calls),
	}

	resp, err := ApplyHandlerChain(context.Background(), "req", middleware, func(ctx context.Context, req string) (string, error) {
		calls = append(calls, "handler")
		return req + "!", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "req!", resp)
	assert.Equal(t, []string{
		"outer:before",
		"inner:before",
		"handler",
		"inner:after",
		"outer:after",
	}, calls)
}

func TestMiddlewareCanShortCircuit(t *testing.T) {

	reject := func(ctx context.Context, req string, next Handler[string, string]) (string, error) {
		return "rejected", nil
	}

	svc := WithMiddleware[string, string](toUpperService, reject)
	resp, err := svc.Call(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "rejected", resp)
}

func TestWithMiddlewareWrapsService(t *testing.T) {

	var calls []string
	svc := WithMiddleware[string, string](toUpperService, recordingMiddleware("only", &calls))

	resp, err := svc.Call(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "REQ", resp)
	assert.Equal(t, []string{"only:before", "only:after"}, calls)
}

func TestTracingMiddlewarePassesThrough(t *testing.T) {

	svc := WithMiddleware[string, string](toUpperService, TracingMiddleware[string, string]("upper"))

	resp, err := svc.Call(context.Background(), "req")
	require.NoError(t, err)
	assert.Equal(t, "REQ", resp)
}
