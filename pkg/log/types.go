package log

import (
	"fmt"
	"strings"
)

// Logger is the logging interface shared by all daemon components.
// keysAndValues are alternating key-value pairs, e.g. "address", addr.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// Fatal logs and then terminates the process. Only process bootstrap may call it.
	Fatal(msg string, keysAndValues ...any)

	// WithKV returns a logger that attaches key=value to every later entry.
	WithKV(key string, value any) Logger
	// GetAllKV returns the pairs attached with WithKV, oldest first.
	GetAllKV() []any
	// WithName returns a child logger; names nest with dots ("rpc.node").
	WithName(name string) Logger
	Name() string
	// AddCallerSkip returns a logger that reports a caller skip frames further
	// up the stack. Implementations without caller reporting return themselves.
	AddCallerSkip(skip int) Logger
}

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// ParseLevel accepts a level name in any case.
func ParseLevel(s string) (Level, error) {
	switch lvl := Level(strings.ToLower(strings.TrimSpace(s))); lvl {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return lvl, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// SpanEventRecorder receives log lines that should be attached to a trace span.
type SpanEventRecorder interface {
	TraceID() string
	SpanID() string

	RecordEvent(name string, keysAndValues ...any)
	// RecordError records the event and marks the span as failed.
	RecordError(name string, keysAndValues ...any)
}
