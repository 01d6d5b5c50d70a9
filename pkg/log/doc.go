// Package log is the structured logging layer of the key-management daemon.
//
// Every component receives a Logger rather than a concrete implementation.
// Production code uses ZapLogger; tests and library defaults use NoopLogger.
//
// # Key material
//
// Values logged under a sensitive key (see SensitiveKeys) are replaced with
// RedactedValue before they reach any encoder or span. Components must still
// never pass private scalars to a logger; redaction is the last line.
//
// # Tracing
//
// SetContextLogger attaches a logger to a context. When the context carries a
// valid OpenTelemetry span the logger is wrapped in a SpanLogger, so every log
// line also becomes a span event and error lines mark the span as failed:
//
//	ctx, span := otel.Tracer("iqkms").Start(ctx, "sign_digest")
//	defer span.End()
//	ctx = log.SetContextLogger(ctx, logger)
//	log.FromContext(ctx).Info("signing", "address", addr)
//
// # Configuration
//
// Config is read from the environment with cleanenv:
//
//	LOG_FORMAT  console | logfmt | json   (default console)
//	LOG_LEVEL   debug | info | warn | error | fatal   (default info)
//	LOG_OUTPUT  stderr | stdout | <file path>   (default stderr)
package log
