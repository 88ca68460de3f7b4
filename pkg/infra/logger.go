package infra

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/picktrack/fieldsync/internal/config"
)

// SetupLogger builds the agent-wide slog logger. Output goes to stdout and
// to agent.log under the data directory so field technicians can pull logs
// off a device that was never online.
func SetupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	_ = os.MkdirAll(cfg.DataDir, 0o755)
	logFile, _ := os.OpenFile(filepath.Join(cfg.DataDir, "agent.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	multiWriter := io.MultiWriter(os.Stdout, logFile)

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToUpper(cfg.LogFormat) == "JSON" {
		handler = slog.NewJSONHandler(multiWriter, opts)
	} else {
		handler = slog.NewTextHandler(multiWriter, opts)
	}

	return slog.New(handler)
}
