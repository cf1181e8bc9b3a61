// Package database is the worker-side store behind the database
// operations: named collections of opaque records with snapshot
// checkpoints.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrFinalized   = errors.New("database is finalized")
	ErrInvalidName = errors.New("invalid database name")
	// ErrNoSnapshots is returned by Checkpoint when no snapshot
	// destination is configured.
	ErrNoSnapshots = errors.New("snapshots not configured")
)

// Record is one opaque entry.
type Record struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Store holds named databases of records.
type Store interface {
	Create(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Rename(ctx context.Context, from, to string) error
	List(ctx context.Context) ([]string, error)

	// Insert adds records, assigning IDs to those without one, and
	// returns the stored IDs in input order.
	Insert(ctx context.Context, name string, recs []Record) ([]string, error)
	// Retrieve returns the records with the given IDs, or every record
	// in insertion order when ids is empty.
	Retrieve(ctx context.Context, name string, ids []string) ([]Record, error)

	// Checkpoint writes a snapshot and returns its URI.
	Checkpoint(ctx context.Context, name string) (string, error)
	// Finalize checkpoints the database and makes it read-only.
	Finalize(ctx context.Context, name string) (string, error)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
