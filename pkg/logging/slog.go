// Package logging builds the slog.Logger every component receives at
// construction time.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gamestore/pkg/config"
)

// New creates a configured slog.Logger tagged with the service name.
func New(serviceName string, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	writer := createWriter(cfg)

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler).With("service", serviceName)
}

// NewComponent derives a component-scoped logger.
func NewComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createWriter(cfg config.LoggingConfig) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr
	case "file":
		if cfg.File == nil {
			return os.Stdout
		}
		dir := cfg.File.Directory
		if dir == "" {
			dir = "logs"
		}
		name := cfg.File.Filename
		if name == "" {
			name = "store-server.log"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return os.Stdout
		}
		maxSize := cfg.File.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		return &lumberjack.Logger{
			Filename:   filepath.Join(dir, name),
			MaxSize:    maxSize,
			MaxBackups: cfg.File.MaxFiles,
			Compress:   cfg.File.Compress,
		}
	default:
		return os.Stdout
	}
}
