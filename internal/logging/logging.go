package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/Cypherspark/sms-outreach/internal/config"
)

// New builds the process logger. Format "console" is human readable; anything
// else is JSON. Unknown levels fall back to info.
func New(cfg config.LoggingConfig, service string) zerolog.Logger {
	return newWithWriter(cfg, service, os.Stdout)
}

func newWithWriter(cfg config.LoggingConfig, service string, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).With().Timestamp().Str("service", service).Logger()
}
