package isoeth

import (
	"context"
	"log/slog"
)

// levelTrace is below debug and logs register-level and per-packet activity.
const levelTrace = slog.LevelDebug - 2

func (e *Engine) trace(msg string, attrs ...slog.Attr) {
	logAttrs(e.log, levelTrace, msg, attrs...)
}

func (e *Engine) debug(msg string, attrs ...slog.Attr) {
	logAttrs(e.log, slog.LevelDebug, msg, attrs...)
}

func (e *Engine) info(msg string, attrs ...slog.Attr) {
	logAttrs(e.log, slog.LevelInfo, msg, attrs...)
}

func (e *Engine) error(msg string, attrs ...slog.Attr) {
	logAttrs(e.log, slog.LevelError, msg, attrs...)
}

func logAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
