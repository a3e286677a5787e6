package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	if tracer == nil {
		t.Fatal("nil tracer")
	}

	ctx, span := tracer.Start(context.Background(), "op")
	if ctx == nil || span == nil {
		t.Fatal("no-op tracer must still produce spans")
	}
	span.End()
}

func TestStartInvocationSpan(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	_, span := tracer.StartInvocation(context.Background(), "greet", "generative")
	RecordError(span, errors.New("provider unavailable"))
	span.End()
}

func TestShutdownIsIdempotentWhenDisabled(t *testing.T) {
	_, shutdown := NewTracer(TraceConfig{})
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown failed: %v", err)
	}
}
