package internal

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger returns the process logger for a component. Format "text" writes
// human readable console output; anything else writes JSON lines.
func NewLogger(level, format, component string) zerolog.Logger {
	return newLogger(os.Stdout, level, format, component)
}

func newLogger(out io.Writer, level, format, component string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	if format == "text" {
		out = zerolog.ConsoleWriter{Out: out}
	}

	ctx := zerolog.New(out).Level(logLevel).With().Timestamp()
	name := "gitslack"
	if component != "" {
		name = name + "/" + component
	}
	return ctx.Str("component", name).Logger()
}

// WithRequestID returns a child logger tagged with the ingress request id.
func WithRequestID(logger zerolog.Logger, requestID string) zerolog.Logger {
	if requestID == "" {
		return logger
	}
	return logger.With().Str("request_id", requestID).Logger()
}
