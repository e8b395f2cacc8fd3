package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// #region logger-config
// Config selects log level and optional file output.
type Config struct {
	Level   string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir     string `yaml:"dir"`
	Service string `yaml:"service"`
}

// DefaultConfig logs at info level to stderr only.
func DefaultConfig() Config {
	return Config{Level: "info", Service: "evolve"}
}
// #endregion logger-config

// #region new-logger
// NewLogger fans records out to a text handler on stderr and, when Dir is
// set, a JSON handler on <dir>/<service>_<date>.log. The returned closer
// closes the file; it is a no-op without one.
func NewLogger(cfg Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	if stderr == nil {
		stderr = os.Stderr
	}
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	handlers := []slog.Handler{
		slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}),
	}

	var closer io.Closer = nopCloser{}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		service := cfg.Service
		if service == "" {
			service = "evolve"
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().UTC().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(cfg.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger, closer, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
// #endregion new-logger
