package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/biostream/internal/logging"
)

// SnapshotWriter stores snapshot bytes; *storage.BlobStore implements it.
type SnapshotWriter interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

type collection struct {
	records   map[string]json.RawMessage
	order     []string
	finalized bool
	version   int
}

// MemoryStore keeps databases in memory and snapshots them to a
// SnapshotWriter.
type MemoryStore struct {
	mu        sync.RWMutex
	dbs       map[string]*collection
	snapshots SnapshotWriter
	prefix    string
	log       *slog.Logger
}

// NewMemoryStore returns an empty store. snapshots may be nil, in which
// case Checkpoint and Finalize fail with ErrNoSnapshots.
func NewMemoryStore(snapshots SnapshotWriter, prefix string) *MemoryStore {
	return &MemoryStore{
		dbs:       make(map[string]*collection),
		snapshots: snapshots,
		prefix:    prefix,
		log:       logging.Component("database"),
	}
}

func (s *MemoryStore) get(name string) (*collection, error) {
	c, ok := s.dbs[name]
	if !ok {
		return nil, fmt.Errorf("database %q: %w", name, ErrNotFound)
	}
	return c, nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[name]; ok {
		return fmt.Errorf("database %q: %w", name, ErrExists)
	}
	s.dbs[name] = &collection{records: make(map[string]json.RawMessage)}
	s.log.Info("created database", "database", name)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(name); err != nil {
		return err
	}
	delete(s.dbs, name)
	s.log.Info("deleted database", "database", name)
	return nil
}

// Rename implements Store.
func (s *MemoryStore) Rename(_ context.Context, from, to string) error {
	if err := validName(to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(from)
	if err != nil {
		return err
	}
	if _, ok := s.dbs[to]; ok {
		return fmt.Errorf("database %q: %w", to, ErrExists)
	}
	delete(s.dbs, from)
	s.dbs[to] = c
	return nil
}

// List implements Store.
func (s *MemoryStore) List(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.dbs))
	for n := range s.dbs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Insert implements Store. An existing ID is overwritten.
func (s *MemoryStore) Insert(_ context.Context, name string, recs []Record) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(name)
	if err != nil {
		return nil, err
	}
	if c.finalized {
		return nil, fmt.Errorf("database %q: %w", name, ErrFinalized)
	}

	ids := make([]string, len(recs))
	for i, r := range recs {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, ok := c.records[id]; !ok {
			c.order = append(c.order, id)
		}
		c.records[id] = r.Data
		ids[i] = id
	}
	return ids, nil
}

// Retrieve implements Store.
func (s *MemoryStore) Retrieve(_ context.Context, name string, ids []string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.get(name)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		ids = c.order
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		data, ok := c.records[id]
		if !ok {
			return nil, fmt.Errorf("record %q in database %q: %w", id, name, ErrNotFound)
		}
		out = append(out, Record{ID: id, Data: data})
	}
	return out, nil
}

// Snapshot is the serialized form of one database.
type Snapshot struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Finalized bool      `json:"finalized"`
	Records   []Record  `json:"records"`
	TakenAt   time.Time `json:"taken_at"`
}

// Checkpoint implements Store. Snapshots are zstd-compressed JSON.
func (s *MemoryStore) Checkpoint(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked(ctx, name, false)
}

// Finalize implements Store.
func (s *MemoryStore) Finalize(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.get(name)
	if err != nil {
		return "", err
	}
	if c.finalized {
		return "", fmt.Errorf("database %q: %w", name, ErrFinalized)
	}
	uri, err := s.checkpointLocked(ctx, name, true)
	if err != nil {
		return "", err
	}
	c.finalized = true
	s.log.Info("finalized database", "database", name, "uri", uri)
	return uri, nil
}

func (s *MemoryStore) checkpointLocked(ctx context.Context, name string, finalizing bool) (string, error) {
	c, err := s.get(name)
	if err != nil {
		return "", err
	}
	if s.snapshots == nil {
		return "", ErrNoSnapshots
	}

	snap := Snapshot{
		Name:      name,
		Version:   c.version + 1,
		Finalized: c.finalized || finalizing,
		Records:   make([]Record, 0, len(c.order)),
		TakenAt:   time.Now().UTC(),
	}
	for _, id := range c.order {
		snap.Records = append(snap.Records, Record{ID: id, Data: c.records[id]})
	}

	data, err := EncodeSnapshot(&snap)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s%s/snapshot-%06d.json.zst", s.prefix, name, snap.Version)
	uri, err := s.snapshots.Write(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", key, err)
	}
	c.version = snap.Version
	s.log.Debug("checkpointed database", "database", name, "version", snap.Version, "records", len(snap.Records))
	return uri, nil
}

// SnapshotSource lists and reads stored snapshots; *storage.BlobStore
// implements it.
type SnapshotSource interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

// Restore loads the newest snapshot of every database found under the
// store's prefix. Databases that already exist in memory are left alone.
// It returns the names restored, sorted.
func (s *MemoryStore) Restore(ctx context.Context, src SnapshotSource) ([]string, error) {
	keys, err := src.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	latest := make(map[string]string)
	for _, key := range keys {
		rel := strings.TrimPrefix(key, s.prefix)
		name, file := path.Split(rel)
		name = strings.TrimSuffix(name, "/")
		if name == "" || strings.Contains(name, "/") ||
			!strings.HasPrefix(file, "snapshot-") || !strings.HasSuffix(file, ".json.zst") {
			continue
		}
		// Versions are zero padded, so the lexical maximum is the newest.
		if key > latest[name] {
			latest[name] = key
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var restored []string
	for name, key := range latest {
		if _, ok := s.dbs[name]; ok {
			continue
		}
		data, err := src.Read(ctx, key)
		if err != nil {
			return restored, err
		}
		snap, err := DecodeSnapshot(data)
		if err != nil {
			return restored, fmt.Errorf("snapshot %s: %w", key, err)
		}
		c := &collection{
			records:   make(map[string]json.RawMessage, len(snap.Records)),
			finalized: snap.Finalized,
			version:   snap.Version,
		}
		for _, r := range snap.Records {
			if _, ok := c.records[r.ID]; !ok {
				c.order = append(c.order, r.ID)
			}
			c.records[r.ID] = r.Data
		}
		s.dbs[name] = c
		restored = append(restored, name)
		s.log.Info("restored database", "database", name, "version", snap.Version, "records", len(snap.Records))
	}
	sort.Strings(restored)
	return restored, nil
}

// EncodeSnapshot serializes and compresses a snapshot.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

var _ Store = (*MemoryStore)(nil)
