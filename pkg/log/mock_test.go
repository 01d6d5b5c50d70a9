package log_test

import "github.com/iqlusioninc/iqkms/pkg/log"

var _ log.Logger = &mockLogger{}

type mockEntry struct {
	Level         log.Level
	Message       string
	KeysAndValues []any
}

// mockLogger records the last entry. Children share the entry with their parent.
type mockLogger struct {
	last          *mockEntry
	name          string
	keysAndValues []any
	callerSkip    int
}

func newMockLogger() *mockLogger {
	return &mockLogger{last: &mockEntry{}, name: "mock"}
}

func (m *mockLogger) Debug(msg string, kv ...any) { m.record(log.LevelDebug, msg, kv) }
func (m *mockLogger) Info(msg string, kv ...any)  { m.record(log.LevelInfo, msg, kv) }
func (m *mockLogger) Warn(msg string, kv ...any)  { m.record(log.LevelWarn, msg, kv) }
func (m *mockLogger) Error(msg string, kv ...any) { m.record(log.LevelError, msg, kv) }
func (m *mockLogger) Fatal(msg string, kv ...any) { m.record(log.LevelFatal, msg, kv) }

func (m *mockLogger) record(level log.Level, msg string, kv []any) {
	*m.last = mockEntry{Level: level, Message: msg, KeysAndValues: kv}
}

func (m *mockLogger) WithKV(key string, value any) log.Logger {
	c := *m
	c.keysAndValues = append(append([]any{}, m.keysAndValues...), key, value)
	return &c
}

func (m *mockLogger) GetAllKV() []any { return m.keysAndValues }

func (m *mockLogger) WithName(name string) log.Logger {
	c := *m
	c.name = name
	return &c
}

func (m *mockLogger) Name() string { return m.name }

func (m *mockLogger) AddCallerSkip(skip int) log.Logger {
	c := *m
	c.callerSkip += skip
	return &c
}

type mockRecorder struct {
	traceID, spanID string
	hasErr          bool
	lastEvent       []any
}

func (r *mockRecorder) TraceID() string { return r.traceID }
func (r *mockRecorder) SpanID() string  { return r.spanID }

func (r *mockRecorder) RecordEvent(name string, kv ...any) {
	r.lastEvent = append([]any{"msg", name}, kv...)
}

func (r *mockRecorder) RecordError(name string, kv ...any) {
	r.hasErr = true
	r.lastEvent = append([]any{"msg", name}, kv...)
}

func kvMap(kv []any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	return m
}
