package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging installs the default slog logger. When a log file is
// configured output is also written there with rotation; the returned
// closer releases it.
func setupLogging(cfg domain.LoggingConfig, stdout io.Writer) io.Closer {
	level := parseLevel(cfg.Level)
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	out := stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(stdout, rotator)
		closer = rotator
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
	return closer
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
