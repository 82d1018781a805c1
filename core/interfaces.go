// Package core provides the shared entity types, logging and error
// abstractions, and configuration surface used across every engine
// component (fingerprint, rate limiting, provider adapters, execution,
// rollup, export and delivery).
package core

import (
	"context"
)

// Logger is the minimal structured logging interface implemented by every
// logging backend in the engine.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with a component tag so structured
// logs can be filtered by subsystem (e.g. "engine/providers", "engine/delivery").
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the safe zero value for any
// component that accepts an optional Logger.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

func (NoOpLogger) WithComponent(string) Logger { return NoOpLogger{} }

// Span is a distributed tracing span, kept minimal so providers and workers
// don't take a hard dependency on a specific tracing SDK.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Tracer starts spans. A no-op implementation is used when telemetry isn't wired.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}
