package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetupWriterJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupWriter(Config{Format: "json", Level: "info"}, &buf)

	Component("fleet").Info("started", "workers", 4)
	slog.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "fleet", rec["component"])
	assert.Equal(t, "started", rec["msg"])
	assert.EqualValues(t, 4, rec["workers"])
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, CorrelationID(ctx))

	id := GenerateCorrelationID()
	assert.Len(t, id, 36)
	assert.Equal(t, id, CorrelationID(WithCorrelationID(ctx, id)))
	assert.NotEqual(t, id, GenerateCorrelationID())
}

func TestCorrelationIDCrossesMetadata(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc-123")

	md, ok := metadata.FromOutgoingContext(ctx)
	require.True(t, ok)
	assert.Equal(t, []string{"abc-123"}, md.Get(CorrelationMetadataKey))

	// What the worker sees once gRPC has moved the header across.
	incoming := metadata.NewIncomingContext(context.Background(), md)
	assert.Equal(t, "abc-123", CorrelationID(incoming))
}
