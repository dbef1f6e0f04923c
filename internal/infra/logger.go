package infra

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger constructs the process logger. LOG_LEVEL overrides the
// environment default (debug in development, info otherwise); the service
// name is stamped on every line so the api and reaper logs stay separable.
func NewLogger(cfg *Config, service string) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.AppEnv == "development" {
		level = zerolog.DebugLevel
	}
	if cfg.LogLevel != "" {
		if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			level = parsed
		}
	}

	logger := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	if cfg.AppEnv == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return logger
}

// Logger aliases the zerolog.Logger so callers outside the infra package can
// depend on the logging contract without importing the third-party module
// directly. It keeps the freedom to replace the underlying logger in the
// future while presenting a stable surface area.
type Logger = zerolog.Logger
