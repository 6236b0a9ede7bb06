package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug so pion's trace output is only
// visible when explicitly enabled.
const levelTrace = slog.LevelDebug - 4

type slogLoggerFactory struct {
	base *slog.Logger
}

// NewSlogLoggerFactory routes pion's internal logging into base, tagging each
// record with the pion scope ("ice", "sctp", ...).
func NewSlogLoggerFactory(base *slog.Logger) logging.LoggerFactory {
	return slogLoggerFactory{base: base}
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{log: f.base.With("component", "pion", "scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l slogLeveledLogger) logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Trace(msg string) { l.logf(levelTrace, "%s", msg) }
func (l slogLeveledLogger) Tracef(format string, args ...any) {
	l.logf(levelTrace, format, args...)
}
func (l slogLeveledLogger) Debug(msg string) { l.logf(slog.LevelDebug, "%s", msg) }
func (l slogLeveledLogger) Debugf(format string, args ...any) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l slogLeveledLogger) Info(msg string) { l.logf(slog.LevelInfo, "%s", msg) }
func (l slogLeveledLogger) Infof(format string, args ...any) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l slogLeveledLogger) Warn(msg string) { l.logf(slog.LevelWarn, "%s", msg) }
func (l slogLeveledLogger) Warnf(format string, args ...any) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l slogLeveledLogger) Error(msg string) { l.logf(slog.LevelError, "%s", msg) }
func (l slogLeveledLogger) Errorf(format string, args ...any) {
	l.logf(slog.LevelError, format, args...)
}
