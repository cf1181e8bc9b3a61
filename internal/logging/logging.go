// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

// Config holds logging configuration.
type Config struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// Setup initializes the global slog logger based on configuration.
// Output goes to stderr so worker processes don't interleave with
// command output written to stdout.
func Setup(cfg Config) {
	SetupWriter(cfg, os.Stderr)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(cfg Config, w io.Writer) {
	level := ParseLevel(cfg.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CorrelationMetadataKey carries a file's correlation ID from the
// pipeline to the worker in gRPC metadata.
const CorrelationMetadataKey = "x-correlation-id"

type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context and to the
// outgoing metadata of any stream opened with it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	ctx = metadata.AppendToOutgoingContext(ctx, CorrelationMetadataKey, id)
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID retrieves the correlation ID from context, falling back
// to incoming gRPC metadata on the worker side.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(CorrelationMetadataKey); len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// GenerateCorrelationID creates a new unique correlation ID.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// FileLogger creates a logger with per-file context fields.
func FileLogger(correlationID, op, path string) *slog.Logger {
	return slog.With(
		"correlation_id", correlationID,
		"operation", op,
		"file", path,
	)
}

// WorkerLogger creates a logger with fleet worker context.
func WorkerLogger(endpoint string, replica int) *slog.Logger {
	return slog.With("endpoint", endpoint, "replica", replica, "pid", os.Getpid())
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
