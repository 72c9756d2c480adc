// Package wlog provides the worker's structured logging setup: a
// zerolog logger carried through context.Context with job/message
// scoping, mirroring the original's contextvar-based job_context and
// message_context but expressed the idiomatic Go way.
package wlog

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey string

const loggerKey ctxKey = "corepipe.logger"

// New builds the base logger. Pretty selects a human-readable console
// writer (local development); the default is line-delimited JSON
// suitable for log aggregation, mirroring the original's structlog
// vs. plain logging.config fallback.
func New(pretty bool) zerolog.Logger {
	var writer io.Writer = os.Stderr
	if pretty {
		writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// WithLogger stores a logger in the context for downstream retrieval.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// From returns the logger carried on ctx, or a disabled logger if
// none was attached.
func From(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithJob scopes the logger with job-level fields: name, executor and
// labels, equivalent to the original's job_context contextvar.
func WithJob(ctx context.Context, jobName, executor string, labels map[string]string) context.Context {
	logger := From(ctx).With().Str("job", jobName).Str("executor", executor).Fields(labelFields(labels)).Logger()
	return WithLogger(ctx, logger)
}

// WithMessage scopes the logger with the message id currently being
// processed, equivalent to the original's message_context contextvar.
func WithMessage(ctx context.Context, messageID string) context.Context {
	logger := From(ctx).With().Str("message_id", messageID).Logger()
	return WithLogger(ctx, logger)
}

func labelFields(labels map[string]string) map[string]interface{} {
	fields := make(map[string]interface{}, len(labels))
	for k, v := range labels {
		fields["label."+k] = v
	}
	return fields
}
