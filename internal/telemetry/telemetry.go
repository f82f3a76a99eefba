// Package telemetry brackets supervisor request handling with local,
// in-process-only spans. The teacher uses otel purely for intra-process
// correlation in its own logs, never shipping spans off-box, so this
// package wires go.opentelemetry.io/otel/sdk with no span processor and
// no exporter: spans are created and ended in process, and nothing is
// ever recorded or flushed over the network — see DESIGN.md for why no
// OTLP exporter is wired.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the narrow surface the rest of faasd depends on, so tests
// can swap in a recorder that doesn't touch the otel SDK at all.
type Tracer interface {
	Start(ctx context.Context, spanName string) (context.Context, trace.Span)
}

// sdkTracer wraps an otel/sdk TracerProvider's tracer.
type sdkTracer struct {
	tracer trace.Tracer
}

// NewInProcess returns a Tracer backed by an otel/sdk TracerProvider that
// has no span processor wired to an exporter: spans are created and
// ended for the sake of trace-ID/span-ID correlation in log lines, never
// exported anywhere.
func NewInProcess(serviceName string) Tracer {
	tp := sdktrace.NewTracerProvider()
	return &sdkTracer{tracer: tp.Tracer(serviceName)}
}

func (t *sdkTracer) Start(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName)
}

// Global returns the "faasd" tracer from otel's process-wide tracer
// provider. It installs nothing itself; whatever provider was set with
// otel.SetTracerProvider (the otel no-op default otherwise) backs it.
func Global() trace.Tracer {
	return otel.Tracer("faasd")
}
