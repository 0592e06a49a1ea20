package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used for application spans.
const InstrumentationName = "swarmlight"

// StoreOperation names the kind of graph store call being traced.
type StoreOperation string

const (
	StoreOperationRead   StoreOperation = "read"
	StoreOperationWrite  StoreOperation = "write"
	StoreOperationDelete StoreOperation = "delete"
)

// StartStoreSpan creates a client span for a call to the redis graph store.
// The span is named "<operation> <command>", e.g. "write SetNodePosition".
//
//	ctx, endSpan := tracing.StartStoreSpan(ctx, graphID, "Snapshot", tracing.StoreOperationRead)
//	defer func() { endSpan(err) }()
func StartStoreSpan(ctx context.Context, graphID, command string, operation StoreOperation) (context.Context, func(error)) {
	tracer := otel.Tracer(InstrumentationName + "/store")

	spanName := string(operation)
	if command != "" {
		spanName = spanName + " " + command
	}

	attrs := []attribute.KeyValue{
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", string(operation)),
	}
	if graphID != "" {
		attrs = append(attrs, attribute.String("graph.id", graphID))
	}

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, endFunc(span)
}

// StartSpan creates a new span for a general operation.
//
//	ctx, endSpan := tracing.StartSpan(ctx, "event.recompute")
//	defer func() { endSpan(err) }()
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, name)
	return ctx, endFunc(span)
}

func endFunc(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
