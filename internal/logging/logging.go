// Package logging configures the process-wide zerolog logger and the
// request logging used by the HTTP surface.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// New builds a logger writing to w. Pretty selects the console writer.
func New(cfg Config, w io.Writer) zerolog.Logger {
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).With().Timestamp().Str(FieldService, "meet").Logger()
}

// Init replaces the global logger and level.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = New(cfg, os.Stderr)
	SetLevel(cfg.Level)
}

// SetLevel changes the global level; unknown names mean info.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
