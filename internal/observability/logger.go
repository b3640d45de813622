// Package observability holds the shared logging and metrics surface.
package observability

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const EnvLogLevel = "RELAYQ_LOG_LEVEL"

var configureOnce sync.Once

// InitLogger installs the runtime console logger and returns it.
func InitLogger(app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	logger = logger.Level(levelFromEnv(zerolog.InfoLevel))
	log.Logger = logger
	return logger
}

// ConfigureTestLogger installs a quiet, timestamp-free logger once per test
// binary. RELAYQ_LOG_LEVEL overrides the default warn threshold.
func ConfigureTestLogger() {
	configureOnce.Do(func() {
		output := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}
		logger := zerolog.New(output).Level(levelFromEnv(zerolog.WarnLevel))
		log.Logger = logger
	})
}

// Logger returns the process-wide logger.
func Logger() zerolog.Logger {
	return log.Logger
}

func levelFromEnv(fallback zerolog.Level) zerolog.Level {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogLevel)))
	if raw == "" {
		return fallback
	}
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil {
		return fallback
	}
	return lvl
}
