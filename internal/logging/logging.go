// Package logging wires the process-wide zerolog logger: a file-backed
// append sink with RFC3339Nano timestamps, stdlib-log redirection, and
// a trace-aware derived logger for spans created by internal/telemetry.
//
// Grounded on internal/observability/logging.go and ctxlogger.go in the
// teacher repo (zerolog was the newer, more pervasive pattern across
// its rag/agent/observability packages, chosen over the older logrus
// internal/logging here).
package logging

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Init configures the global zerolog logger. If logPath is non-empty,
// logs are written only to that file (append mode) so interactive
// consumers of stdout are not interleaved with log lines; if opening
// the file fails, logs fall back to stdout and the failure is printed
// to stderr. Returns the configured logger.
func Init(logPath string, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "telos: failed to open log file %q: %v\n", logPath, err)
		}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	zerolog.SetGlobalLevel(lvl)

	stdlog.SetFlags(0)
	stdlog.SetOutput(logger)
	return logger
}

// WithTrace attaches the active span's trace/span IDs to a logger
// derived from base, when ctx carries a valid span context. Mirrors
// internal/observability.LoggerWithTrace.
func WithTrace(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return base
	}
	return base.With().
		Str("trace_id", span.TraceID().String()).
		Str("span_id", span.SpanID().String()).
		Logger()
}
