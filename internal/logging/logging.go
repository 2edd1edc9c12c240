package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/config"
)

// New builds the root logger. JSON output by default, pretty console output
// for local development.
func New(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "chatrelay").
		Logger()
}
