package internal

import "log/slog"

// Logger is a small nil-safe wrapper around *slog.Logger used by the
// stateful types in this module (router.ArpCache, router.Engine,
// ctcp.Conn). A zero Logger silences all output, mirroring
// [LogAttrs]'s nil check.
type Logger struct {
	L *slog.Logger
}

func NewLogger(l *slog.Logger) Logger { return Logger{L: l} }

func (lg Logger) debug(msg string, attrs ...slog.Attr) {
	LogAttrs(lg.L, slog.LevelDebug, msg, attrs...)
}

func (lg Logger) trace(msg string, attrs ...slog.Attr) {
	LogAttrs(lg.L, LevelTrace, msg, attrs...)
}

func (lg Logger) logerr(msg string, err error, attrs ...slog.Attr) {
	if err == nil {
		return
	}
	LogAttrs(lg.L, slog.LevelError, msg, append(attrs, slog.String("err", err.Error()))...)
}

// Debug logs msg at debug level with attrs. No-op if the embedded logger is nil.
func (lg Logger) Debug(msg string, attrs ...slog.Attr) { lg.debug(msg, attrs...) }

// Trace logs msg at trace level (below debug) with attrs.
func (lg Logger) Trace(msg string, attrs ...slog.Attr) { lg.trace(msg, attrs...) }

// Error logs a non-nil err at error level with msg and attrs. No-op if err is nil.
func (lg Logger) Error(msg string, err error, attrs ...slog.Attr) { lg.logerr(msg, err, attrs...) }
