package runtime

import (
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/speechcast/internal/config"
)

// NewLogger builds the process logger from telemetry settings. verbose forces
// debug level.
func NewLogger(cfg config.TelemetryConfig, w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
