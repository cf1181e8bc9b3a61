// Package catalog records batch and per-file outcomes in a queryable
// metadata store.
package catalog

import (
	"context"
	"time"
)

// Config configures the catalog. An empty DSN disables it.
type Config struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Writer records batch lineage.
type Writer interface {
	EnsureBatch(ctx context.Context, b BatchInfo) error
	RecordFile(ctx context.Context, rec FileRecord) error
	CompletedFiles(ctx context.Context, batchID string) ([]string, error)
	Close() error
}

// BatchInfo describes a batch run.
type BatchInfo struct {
	BatchID         string
	Operation       string
	Targets         []string
	BatchSize       int
	ProducerVersion string
}

// FileRecord is the terminal outcome of one file.
type FileRecord struct {
	BatchID    string
	Path       string
	Operation  string
	Status     string // "done" or "failed"
	Units      int
	LastIndex  int
	DurationMS int64
	Error      string
	ResultURI  string
	RecordedAt time.Time
}

// NewWriter returns a Postgres-backed writer, or a no-op writer when no DSN
// is configured.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) EnsureBatch(context.Context, BatchInfo) error { return nil }

func (noopWriter) RecordFile(context.Context, FileRecord) error { return nil }

func (noopWriter) CompletedFiles(context.Context, string) ([]string, error) { return nil, nil }

func (noopWriter) Close() error { return nil }
