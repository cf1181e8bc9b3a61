// Package checkpoint journals batch progress so an interrupted batch can be
// resumed at file granularity.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint records which files of a batch have reached a terminal state.
type Checkpoint struct {
	BatchID   string                `json:"batch_id"`
	Operation string                `json:"operation"`
	Completed []string              `json:"completed"`
	Failed    map[string]FailedFile `json:"failed,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// FailedFile describes a file that failed.
type FailedFile struct {
	LastIndex int    `json:"last_index"`
	Reason    string `json:"reason"`
}

// New returns an empty checkpoint for a batch.
func New(batchID, op string) *Checkpoint {
	return &Checkpoint{BatchID: batchID, Operation: op, Failed: map[string]FailedFile{}}
}

// MarkCompleted records path as done and clears any earlier failure.
func (c *Checkpoint) MarkCompleted(path string) {
	if c.IsCompleted(path) {
		return
	}
	c.Completed = append(c.Completed, path)
	delete(c.Failed, path)
}

// MarkFailed records a failure for path.
func (c *Checkpoint) MarkFailed(path string, lastIndex int, reason string) {
	if c.Failed == nil {
		c.Failed = map[string]FailedFile{}
	}
	c.Failed[path] = FailedFile{LastIndex: lastIndex, Reason: reason}
}

// IsCompleted reports whether path was recorded as done.
func (c *Checkpoint) IsCompleted(path string) bool {
	for _, p := range c.Completed {
		if p == path {
			return true
		}
	}
	return false
}

// FailedPaths returns the failed paths in sorted order.
func (c *Checkpoint) FailedPaths() []string {
	out := make([]string, 0, len(c.Failed))
	for p := range c.Failed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for a batch.
	Load(ctx context.Context, batchID string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// checkpointPath returns the path to the checkpoint file for a batch.
func (m *fileManager) checkpointPath(batchID string) string {
	filename := fmt.Sprintf("checkpoint_%s.json", unsafeChars.ReplaceAllString(batchID, "_"))
	return filepath.Join(m.dir, filename)
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, batchID string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(batchID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if cp.Failed == nil {
		cp.Failed = map[string]FailedFile{}
	}
	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.BatchID)
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, batchID string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
