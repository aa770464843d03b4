package delivery

// Logger receives structured events with slog-style key/value pairs.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)
	// Info logs an informational message.
	Info(msg string, args ...any)
	// Warn logs a warning message.
	Warn(msg string, args ...any)
	// Error logs an error message.
	Error(msg string, args ...any)
}

// NopLogger is a no-op logger.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(string, ...any) {}

// withFields returns a Logger that prepends fields to every call.
func withFields(logger Logger, fields ...any) Logger {
	if len(fields) == 0 {
		return logger
	}
	if _, ok := logger.(NopLogger); ok {
		return logger
	}

	return fieldLogger{next: logger, fields: fields}
}

type fieldLogger struct {
	next   Logger
	fields []any
}

func (l fieldLogger) merge(args []any) []any {
	out := make([]any, 0, len(l.fields)+len(args))
	out = append(out, l.fields...)

	return append(out, args...)
}

func (l fieldLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.merge(args)...) }
func (l fieldLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.merge(args)...) }
func (l fieldLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.merge(args)...) }
func (l fieldLogger) Error(msg string, args ...any) { l.next.Error(msg, l.merge(args)...) }
