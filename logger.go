package netplay

import "log/slog"

// Logger is the structured logging interface used by endpoints and
// connections. *slog.Logger satisfies it.
type Logger interface {
	// Debug logs per-frame detail such as dropped frames.
	Debug(msg string, args ...any)
	// Info logs connection lifecycle events.
	Info(msg string, args ...any)
	// Warn logs contained failures such as evictions.
	Warn(msg string, args ...any)
	// Error logs failures the endpoint cannot recover from.
	Error(msg string, args ...any)
}

// defaultLogger returns the slog default logger.
func defaultLogger() Logger {
	return slog.Default()
}

// attrLogger prepends a fixed set of key-value pairs to every call.
type attrLogger struct {
	base  Logger
	attrs []any
}

// withAttrs returns a Logger that adds args to every record written through l.
func withAttrs(l Logger, args ...any) Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(args...)
	}
	if al, ok := l.(*attrLogger); ok {
		merged := make([]any, 0, len(al.attrs)+len(args))
		merged = append(merged, al.attrs...)
		merged = append(merged, args...)
		return &attrLogger{base: al.base, attrs: merged}
	}
	return &attrLogger{base: l, attrs: args}
}

func (l *attrLogger) join(args []any) []any {
	out := make([]any, 0, len(l.attrs)+len(args))
	out = append(out, l.attrs...)
	return append(out, args...)
}

func (l *attrLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.join(args)...) }
func (l *attrLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.join(args)...) }
func (l *attrLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.join(args)...) }
func (l *attrLogger) Error(msg string, args ...any) { l.base.Error(msg, l.join(args)...) }
