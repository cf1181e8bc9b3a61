// Package storage persists aggregated per-file results, per-unit timing
// tables and batch manifests to object storage.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/withObsrvr/biostream/internal/timing"
)

// ResultRef locates the stored result of one source file within a batch.
type ResultRef struct {
	BatchID    string
	Operation  string
	SourcePath string
}

// objectName maps a source path or stream URL onto a relative object key.
func objectName(src string) string {
	s := strings.ReplaceAll(src, "\\", "/")
	s = strings.Replace(s, "://", "/", 1)
	s = strings.TrimPrefix(path.Clean("/"+s), "/")
	if s == "" {
		s = "_"
	}
	return s
}

func (r ResultRef) base(prefix string) string {
	return fmt.Sprintf("%s%s/%s/%s", prefix, r.BatchID, r.Operation, objectName(r.SourcePath))
}

// Path returns the key of the result document.
func (r ResultRef) Path(prefix string) string {
	return r.base(prefix) + ".json"
}

// TimingsPath returns the key of the per-unit timing table.
func (r ResultRef) TimingsPath(prefix string) string {
	return r.base(prefix) + ".timings.parquet"
}

// ManifestPath returns the key of a batch manifest.
func ManifestPath(prefix, batchID string) string {
	return fmt.Sprintf("%s%s/_manifest.json", prefix, batchID)
}

// UnitDoc is one unit's reply as persisted.
type UnitDoc struct {
	Index     int             `json:"index"`
	Count     int             `json:"count"`
	Last      bool            `json:"last"`
	RequestID string          `json:"request_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Durations timing.Record   `json:"durations"`
}

// Document is the aggregated result of one source file.
type Document struct {
	BatchID    string        `json:"batch_id"`
	Operation  string        `json:"operation"`
	SourcePath string        `json:"source_path"`
	Status     string        `json:"status"`
	UnitCount  int           `json:"unit_count"`
	Units      []UnitDoc     `json:"units"`
	Durations  timing.Record `json:"durations"`
	StartedAt  time.Time     `json:"started_at"`
	ElapsedMS  int64         `json:"elapsed_ms"`
}

// Ref returns the document's storage reference.
func (d *Document) Ref() ResultRef {
	return ResultRef{BatchID: d.BatchID, Operation: d.Operation, SourcePath: d.SourcePath}
}

// Manifest describes the results stored for a batch.
type Manifest struct {
	BatchID   string              `json:"batch_id"`
	Operation string              `json:"operation"`
	Files     map[string]FileInfo `json:"files"`
	Failed    []string            `json:"failed,omitempty"`
	Producer  ProducerInfo        `json:"producer"`
	CreatedAt time.Time           `json:"created_at"`
}

// FileInfo describes one stored result.
type FileInfo struct {
	Key        string `json:"key"`
	TimingsKey string `json:"timings_key,omitempty"`
	Checksum   string `json:"checksum"`
	Units      int    `json:"units"`
	ByteSize   int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the results.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// SaveResult reports where a document was stored.
type SaveResult struct {
	Key        string
	TimingsKey string
	URI        string
	Checksum   string
	ByteSize   int64
}

// ResultStore persists aggregated results.
type ResultStore interface {
	// Save atomically writes a result document and, when enabled, its
	// timing table.
	Save(ctx context.Context, doc *Document) (*SaveResult, error)

	// WriteManifest writes a batch manifest.
	WriteManifest(ctx context.Context, m *Manifest) (string, error)

	// Exists checks whether a result is already stored.
	Exists(ctx context.Context, ref ResultRef) (bool, error)

	// URI returns the canonical URI for the given key.
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// AtomicStore extends ResultStore with the temp/finalize primitives Save is
// built on.
type AtomicStore interface {
	ResultStore

	// WriteTemp writes data next to key under a unique temporary name.
	WriteTemp(ctx context.Context, key string, data []byte) (tempKey string, err error)

	// Finalize moves each temp key to its final key. If any move fails,
	// objects already finalized are removed and all temp keys aborted.
	Finalize(ctx context.Context, finalKeys, tempKeys []string) error

	// Abort removes temporary objects without publishing.
	Abort(ctx context.Context, tempKeys []string) error

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns all keys with the given prefix, excluding temp objects.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string
	ModTime time.Time
}

// StorageConfig configures the result store.
type StorageConfig struct {
	// URL is a gocloud bucket URL: file:///dir, mem://, gs://bucket or
	// s3://bucket?region=... An empty URL disables persistence.
	URL     string `yaml:"url"`
	Prefix  string `yaml:"prefix"`
	Timings bool   `yaml:"timings"`
}

// AsAtomic attempts to cast a ResultStore to AtomicStore.
// Returns nil if the store doesn't support atomic operations.
func AsAtomic(store ResultStore) AtomicStore {
	if atomic, ok := store.(AtomicStore); ok {
		return atomic
	}
	return nil
}
