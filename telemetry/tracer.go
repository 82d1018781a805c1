// Package telemetry provides the tracing and metrics surface the engine's
// provider calls and delivery POSTs are wrapped in (rate-limit acquires
// report a wait-time metric but get no span of their own)
// (SPEC_FULL.md §1 "ambient concerns are carried even when a Non-goal names
// one"). It implements core.Tracer/core.Span against the provider-agnostic
// go.opentelemetry.io/otel/trace API only; exporter wiring (OTLP, stdout,
// ...) is a deploy-time decision left to the process embedding the engine,
// mirroring the teacher's telemetry.OTelProvider but trimmed to the span/
// metric surface this spec actually exercises.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/answerlens/engine/core"
)

// Tracer adapts an OpenTelemetry trace.Tracer to core.Tracer.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a Tracer bound to the SDK TracerProvider built by
// NewProvider (or to the global provider, if embedders have set one up
// independently).
func NewTracer(provider trace.TracerProvider, instrumentationName string) *Tracer {
	if provider == nil {
		provider = otelGlobalProvider()
	}
	return &Tracer{tracer: provider.Tracer(instrumentationName)}
}

// StartSpan implements core.Tracer.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &Span{span: span}
}

// Span adapts an OpenTelemetry trace.Span to core.Span.
type Span struct {
	span trace.Span
}

// End implements core.Span.
func (s *Span) End() { s.span.End() }

// SetAttribute implements core.Span, converting value into the attribute
// type OTel expects via a small type switch (the values providers and
// workers attach — strings, ints, floats, bools — cover every call site in
// this engine).
func (s *Span) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, stringifyAttribute(v)))
	}
}

// RecordError implements core.Span, also marking the span's status as an
// error so a trace backend surfaces it without inspecting events.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func stringifyAttribute(v interface{}) string {
	if stringer, ok := v.(interface{ String() string }); ok {
		return stringer.String()
	}
	return ""
}

// NewProvider builds an SDK TracerProvider tagged with serviceName, with no
// exporter attached by default. Call RegisterSpanProcessor to attach one
// (batch span processor wrapping whatever exporter the deployment chooses)
// before spans become visible anywhere but in-process.
func NewProvider(serviceName string) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(newResource(serviceName)),
	)
}
