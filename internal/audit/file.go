package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackup writes each event to its own JSON file.
type FileBackup struct {
	dir string
}

// NewFileBackup creates dir if needed.
func NewFileBackup(dir string) (*FileBackup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Path is the file an event is written to: {batch}_{operation}_{event_id}.json.
func (f *FileBackup) Path(evt *Event) string {
	name := fmt.Sprintf("%s_%s_%s.json", evt.Batch.BatchID, evt.Batch.Operation, evt.EventID)
	return filepath.Join(f.dir, name)
}

// Save writes evt.
func (f *FileBackup) Save(evt *Event) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(f.Path(evt), data, 0644); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// FileEmitter writes events to local files only.
type FileEmitter struct {
	*chained
	backup *FileBackup
}

// NewFileEmitter keeps events and chain heads in dir.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	c, err := newChained(dir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, err
	}
	return &FileEmitter{chained: c, backup: backup}, nil
}

// Emit implements Emitter.
func (e *FileEmitter) Emit(_ context.Context, evt *Event) error {
	return e.emit(evt, e.backup.Save)
}

func (e *FileEmitter) Close() error { return nil }
