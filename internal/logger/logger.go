package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. It stays nil until Init is called, and the
// helpers below are no-ops in that case so packages can log unconditionally.
var Log *zap.SugaredLogger

// Init builds the global logger. level is one of debug, info, warn, error;
// an empty level falls back to FORUMCHAT_LOG_LEVEL. When FORUMCHAT_LOG_SINK is
// "file:<path>" records go to that file instead of stderr.
func Init(level string) {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		lvl = strings.ToLower(strings.TrimSpace(os.Getenv("FORUMCHAT_LOG_LEVEL")))
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(lvl))
	cfg.DisableStacktrace = true

	if sink := os.Getenv("FORUMCHAT_LOG_SINK"); strings.HasPrefix(sink, "file:") {
		path := strings.TrimPrefix(sink, "file:")
		cfg.OutputPaths = []string{path}
		cfg.ErrorOutputPaths = []string{path}
	}

	l, err := cfg.Build()
	if err != nil {
		// fallback: keep going with a default logger on stderr
		l = zap.NewExample()
	}
	Log = l.Sugar()
}

// Use installs an existing logger, mostly for tests (zap.NewNop, zaptest).
func Use(l *zap.Logger) {
	Log = l.Sugar()
}

func parseLevel(lvl string) zapcore.Level {
	switch lvl {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync flushes buffered records.
func Sync() {
	if Log == nil {
		return
	}
	_ = Log.Sync()
}

func Debug(msg string, kv ...any) {
	if Log == nil {
		return
	}
	Log.Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	if Log == nil {
		return
	}
	Log.Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	if Log == nil {
		return
	}
	Log.Warnw(msg, kv...)
}

func Error(msg string, kv ...any) {
	if Log == nil {
		return
	}
	Log.Errorw(msg, kv...)
}
