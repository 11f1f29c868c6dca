// Package log configures the process logger. Packages log through the
// global github.com/rs/zerolog/log; the Logger interface here is what cmd/
// binaries use for startup and shutdown messages.
package log

import "context"

// Fields are structured key/value pairs attached to one entry.
type Fields map[string]any

type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Fields)
	Info(ctx context.Context, msg string, fields ...Fields)
	Warn(ctx context.Context, msg string, fields ...Fields)
	Error(ctx context.Context, msg string, err error, fields ...Fields)
	Fatal(ctx context.Context, msg string, err error, fields ...Fields)
	With(fields Fields) Logger
}
