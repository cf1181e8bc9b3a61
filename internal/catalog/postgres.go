package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/biostream/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// ErrUnknownBatch is returned when a file is recorded before its batch.
var ErrUnknownBatch = errors.New("batch not registered")

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	log  *slog.Logger

	mu         sync.RWMutex
	batchCache map[string]int64 // batch_id -> primary key
}

// NewPostgresWriter connects, pings and applies the schema.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w := &PostgresWriter{
		pool:       pool,
		log:        logging.Component("catalog"),
		batchCache: make(map[string]int64),
	}
	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// EnsureBatch registers a batch, or touches it when it already exists.
func (w *PostgresWriter) EnsureBatch(ctx context.Context, b BatchInfo) error {
	query := `
		INSERT INTO _meta_batches (batch_id, operation, targets, batch_size, producer_version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (batch_id)
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`

	var id int64
	err := w.pool.QueryRow(ctx, query,
		b.BatchID,
		b.Operation,
		b.Targets,
		b.BatchSize,
		b.ProducerVersion,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("ensure batch: %w", err)
	}

	w.mu.Lock()
	w.batchCache[b.BatchID] = id
	w.mu.Unlock()
	return nil
}

func (w *PostgresWriter) batchPK(ctx context.Context, batchID string) (int64, error) {
	w.mu.RLock()
	id, ok := w.batchCache[batchID]
	w.mu.RUnlock()
	if ok {
		return id, nil
	}

	err := w.pool.QueryRow(ctx, `SELECT id FROM _meta_batches WHERE batch_id = $1`, batchID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
		}
		return 0, fmt.Errorf("lookup batch: %w", err)
	}

	w.mu.Lock()
	w.batchCache[batchID] = id
	w.mu.Unlock()
	return id, nil
}

// RecordFile upserts the outcome of one file.
func (w *PostgresWriter) RecordFile(ctx context.Context, rec FileRecord) error {
	pk, err := w.batchPK(ctx, rec.BatchID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO _meta_recognition_files (
			batch_pk, path, operation, status, units, last_index,
			duration_ms, error, result_uri, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (batch_pk, path)
		DO UPDATE SET
			status = EXCLUDED.status,
			units = EXCLUDED.units,
			last_index = EXCLUDED.last_index,
			duration_ms = EXCLUDED.duration_ms,
			error = EXCLUDED.error,
			result_uri = EXCLUDED.result_uri,
			recorded_at = EXCLUDED.recorded_at
	`

	var errMsg, uri *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}
	if rec.ResultURI != "" {
		uri = &rec.ResultURI
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err = w.pool.Exec(ctx, query,
		pk,
		rec.Path,
		rec.Operation,
		rec.Status,
		rec.Units,
		rec.LastIndex,
		rec.DurationMS,
		errMsg,
		uri,
		recordedAt,
	)
	if err != nil {
		return fmt.Errorf("record file: %w", err)
	}

	w.log.Debug("recorded file", "batch", rec.BatchID, "path", rec.Path, "status", rec.Status)
	return nil
}

// CompletedFiles returns the paths recorded as done for a batch.
func (w *PostgresWriter) CompletedFiles(ctx context.Context, batchID string) ([]string, error) {
	query := `
		SELECT f.path
		FROM _meta_recognition_files f
		JOIN _meta_batches b ON b.id = f.batch_pk
		WHERE b.batch_id = $1 AND f.status = 'done'
		ORDER BY f.path
	`

	rows, err := w.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("query completed files: %w", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan completed files: %w", err)
	}
	return paths, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
