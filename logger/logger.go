package logger

// Logger is the structured logging surface used by the engine and stores.
// keyvals alternate key and value.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for a request. It must be safe for concurrent calls.
type TraceIDFunc func() string

// With returns a Logger that prefixes every call with keyvals.
func With(l Logger, keyvals ...any) Logger {
	if l == nil {
		l = NewNullLogger()
	}
	if len(keyvals) == 0 {
		return l
	}
	if w, ok := l.(*contextLogger); ok {
		merged := make([]any, 0, len(w.fields)+len(keyvals))
		merged = append(merged, w.fields...)
		merged = append(merged, keyvals...)
		return &contextLogger{next: w.next, fields: merged}
	}
	return &contextLogger{next: l, fields: append([]any(nil), keyvals...)}
}

type contextLogger struct {
	next   Logger
	fields []any
}

func (c *contextLogger) join(keyvals []any) []any {
	out := make([]any, 0, len(c.fields)+len(keyvals))
	out = append(out, c.fields...)
	return append(out, keyvals...)
}

func (c *contextLogger) Error(msg string, keyvals ...any) { c.next.Error(msg, c.join(keyvals)...) }
func (c *contextLogger) Info(msg string, keyvals ...any)  { c.next.Info(msg, c.join(keyvals)...) }
func (c *contextLogger) Debug(msg string, keyvals ...any) { c.next.Debug(msg, c.join(keyvals)...) }
