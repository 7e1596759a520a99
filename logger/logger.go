// Package logger initializes the process-wide slog default.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Config controls where and how verbosely the server logs.
type Config struct {
	DataDir string
	DevMode bool
}

// Init sets the slog default: JSON records appended to server.log under
// the data dir, plus human-readable text on stderr in dev mode. Falls back
// to stderr only if the log file cannot be opened.
func Init(cfg Config) {
	level := slog.LevelInfo
	if cfg.DevMode {
		level = slog.LevelDebug
	}

	var writers []io.Writer
	if cfg.DataDir != "" {
		path := filepath.Join(cfg.DataDir, "server.log")
		if file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			writers = append(writers, file)
		}
	}

	if cfg.DevMode || len(writers) == 0 {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		if len(writers) == 0 {
			slog.SetDefault(slog.New(handler))
			return
		}
		slog.SetDefault(slog.New(newTeeHandler(
			slog.NewJSONHandler(writers[0], &slog.HandlerOptions{Level: level}),
			handler,
		)))
		return
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(writers[0], &slog.HandlerOptions{Level: level})))
}
