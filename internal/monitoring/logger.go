// Package monitoring bundles the observability plumbing shared by the
// transports and the daemon: logger construction, panic recovery and
// Prometheus metrics.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects level and output format.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// NewLogger builds the service logger. JSON output by default; pretty
// console output for local development.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "meshbusd").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the
// process alive. Use as the first defer of every pump goroutine.
func RecoverPanic(log zerolog.Logger, where string, fields map[string]any) {
	if r := recover(); r != nil {
		ev := log.Error().Interface("panic", r).Str("where", where).Stack()
		for k, v := range fields {
			ev = ev.Interface(k, v)
		}
		ev.Msg("recovered panic")
		PanicsRecovered.Inc()
	}
}
