package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel orders the severities a SimpleLogger filters on.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// SimpleLogger is a structured logger reading LOG_LEVEL ("debug"|"info"|
// "warn"|"error", default "info") and LOG_FORMAT ("json"|"text", default
// "text") from the environment at construction time.
type SimpleLogger struct {
	level     LogLevel
	format    string
	component string
}

// NewSimpleLogger builds a SimpleLogger from LOG_LEVEL/LOG_FORMAT.
func NewSimpleLogger() *SimpleLogger {
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format != "json" {
		format = "text"
	}
	return &SimpleLogger{
		level:  parseLogLevel(os.Getenv("LOG_LEVEL")),
		format: format,
	}
}

// WithComponent returns a logger tagging every subsequent entry with
// component, e.g. "engine/providers".
func (l *SimpleLogger) WithComponent(component string) Logger {
	return &SimpleLogger{level: l.level, format: l.format, component: component}
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "INFO", msg, fields)
}
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "WARN", msg, fields)
}
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "ERROR", msg, fields)
}
func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "DEBUG", msg, fields)
}

func (l *SimpleLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "INFO", msg, withTraceID(ctx, fields))
}
func (l *SimpleLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "WARN", msg, withTraceID(ctx, fields))
}
func (l *SimpleLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "ERROR", msg, withTraceID(ctx, fields))
}
func (l *SimpleLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "DEBUG", msg, withTraceID(ctx, fields))
}

func withTraceID(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return fields
	}
	traceID, ok := ctx.Value(traceIDKey{}).(string)
	if !ok || traceID == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["trace_id"] = traceID
	return out
}

type traceIDKey struct{}

// WithTraceID attaches a trace correlation id retrievable by *WithContext
// logging calls.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func (l *SimpleLogger) log(level LogLevel, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	if l.format == "json" {
		entry := map[string]interface{}{
			"level": levelName,
			"msg":   msg,
			"time":  time.Now().UTC().Format(time.RFC3339Nano),
		}
		if l.component != "" {
			entry["component"] = l.component
		}
		for k, v := range fields {
			entry[k] = v
		}
		b, err := json.Marshal(entry)
		if err != nil {
			log.Printf("[%s] %s (log marshal error: %v)", levelName, msg, err)
			return
		}
		log.Println(string(b))
		return
	}

	parts := []string{fmt.Sprintf("[%s]", levelName), msg}
	if l.component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", l.component))
	}
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	log.Println(strings.Join(parts, " "))
}
