package log

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// TraceHook adds trace_id and span_id to events logged with a context
// carrying a recording span.
type TraceHook struct{}

func (TraceHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		e.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
}

// Setup builds the process logger, installs it as the global zerolog
// logger and returns an adapter over it. An unknown level falls back to
// info and is reported once the logger exists.
func Setup(level string, pretty bool) Logger {
	return setup(os.Stderr, level, pretty)
}

func setup(out io.Writer, level string, pretty bool) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger().Hook(TraceHook{})
	zlog.Logger = logger
	zerolog.DefaultContextLogger = &zlog.Logger

	adapter := &zerologAdapter{logger: logger}
	if err != nil {
		adapter.Warn(context.Background(), "Invalid log level, defaulting to info", Fields{"configured_log_level": level})
	}
	return adapter
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (z *zerologAdapter) write(ctx context.Context, event *zerolog.Event, msg string, fields []Fields) {
	event = event.Ctx(ctx)
	for _, f := range fields {
		event = event.Fields(map[string]any(f))
	}
	event.Msg(msg)
}

func (z *zerologAdapter) Debug(ctx context.Context, msg string, fields ...Fields) {
	z.write(ctx, z.logger.Debug(), msg, fields)
}

func (z *zerologAdapter) Info(ctx context.Context, msg string, fields ...Fields) {
	z.write(ctx, z.logger.Info(), msg, fields)
}

func (z *zerologAdapter) Warn(ctx context.Context, msg string, fields ...Fields) {
	z.write(ctx, z.logger.Warn(), msg, fields)
}

func (z *zerologAdapter) Error(ctx context.Context, msg string, err error, fields ...Fields) {
	z.write(ctx, z.logger.Error().Err(err), msg, fields)
}

// Fatal logs and exits the process.
func (z *zerologAdapter) Fatal(ctx context.Context, msg string, err error, fields ...Fields) {
	z.write(ctx, z.logger.Fatal().Err(err), msg, fields)
}

func (z *zerologAdapter) With(fields Fields) Logger {
	return &zerologAdapter{logger: z.logger.With().Fields(map[string]any(fields)).Logger()}
}
