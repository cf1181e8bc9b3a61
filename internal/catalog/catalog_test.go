package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriterWithoutDSNIsNoop(t *testing.T) {
	w, err := NewWriter(context.Background(), Config{})
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	require.NoError(t, w.EnsureBatch(ctx, BatchInfo{BatchID: "b"}))
	require.NoError(t, w.RecordFile(ctx, FileRecord{BatchID: "b", Path: "a.jpg"}))
	done, err := w.CompletedFiles(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestNewWriterBadDSN(t *testing.T) {
	_, err := NewWriter(context.Background(), Config{PostgresDSN: "://not a dsn"})
	assert.Error(t, err)
}

// Runs against a live database when BIOSTREAM_TEST_POSTGRES_DSN is set.
func TestPostgresWriterRoundTrip(t *testing.T) {
	dsn := os.Getenv("BIOSTREAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BIOSTREAM_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	w, err := NewPostgresWriter(ctx, Config{PostgresDSN: dsn})
	require.NoError(t, err)
	defer w.Close()

	batch := "test-" + time.Now().UTC().Format("20060102T150405.000000000")

	err = w.RecordFile(ctx, FileRecord{BatchID: batch, Path: "x"})
	require.ErrorIs(t, err, ErrUnknownBatch)

	require.NoError(t, w.EnsureBatch(ctx, BatchInfo{
		BatchID:   batch,
		Operation: "detect",
		Targets:   []string{"127.0.0.1:50051"},
		BatchSize: -1,
	}))
	require.NoError(t, w.RecordFile(ctx, FileRecord{BatchID: batch, Path: "b.jpg", Operation: "detect", Status: "done", Units: 1}))
	require.NoError(t, w.RecordFile(ctx, FileRecord{BatchID: batch, Path: "a.mp4", Operation: "detect", Status: "failed", LastIndex: 3, Error: "transport"}))
	// Retried file flips to done.
	require.NoError(t, w.RecordFile(ctx, FileRecord{BatchID: batch, Path: "a.mp4", Operation: "detect", Status: "done", Units: 10}))

	done, err := w.CompletedFiles(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.mp4", "b.jpg"}, done)
}
