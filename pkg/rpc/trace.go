package rpc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kbirk/rpcmux"

func startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TracingMiddleware records a server span around every invocation.
func TracingMiddleware[Req, Resp any](name string) Middleware[Req, Resp] {
	return func(ctx context.Context, req Req, next Handler[Req, Resp]) (Resp, error) {
		ctx, span := startSpan(ctx, name, trace.SpanKindServer)
		resp, err := next(ctx, req)
		endSpan(span, err)
		return resp, err
	}
}

// InjectTrace writes the span context of ctx into metadata using the global
// propagator.
func InjectTrace(ctx context.Context, metadata map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(metadata))
}

// ExtractTrace returns ctx carrying the remote span context found in metadata.
func ExtractTrace(ctx context.Context, metadata map[string]string) context.Context {
	if len(metadata) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(metadata))
}
