// Package logging wires structured, levelled logging through log/slog to a
// rotated file sink (gopkg.in/natefinch/lumberjack.v2). This is operational
// tailing, complementary to the durable AuditLog component, not a
// replacement for it.
package logging

import (
	"log/slog"
	"os"

	"agrilend/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a slog.Logger writing JSON lines to a rotated file, per cfg.
func New(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer = os.Stderr
	var handler slog.Handler
	if cfg.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		handler = slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
