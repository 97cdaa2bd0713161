package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Options holds logger configuration
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, text, pretty
}

// New creates the root structured logger.
//
// Features:
//   - Structured JSON output (log-aggregator friendly)
//   - Timestamp in RFC3339 format
//   - Caller information for debugging
//
// Components derive child loggers from it:
//
//	log := root.With().Str("component", "dispatcher").Logger()
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch opts.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "wasend").
		Logger()
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't
// exit. Use it in the defer block of every long-lived goroutine so one
// panicking worker cannot take down the process.
//
// Example:
//
//	go func() {
//	    defer logging.RecoverPanic(logger, "dispatch-worker", map[string]any{"worker_id": id})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())

		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", stack)

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
