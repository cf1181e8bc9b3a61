package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoChainHead indicates no previous event exists for this chain.
var ErrNoChainHead = errors.New("no chain head found")

const headsFile = "chain-heads.json"

// ChainHead is the newest sealed event of one chain.
type ChainHead struct {
	Hash      string    `json:"hash"`
	Seq       int64     `json:"seq"` // events sealed on this chain so far
	UpdatedAt time.Time `json:"updated_at"`
}

// ChainTracker keeps the head of every operation's chain in a JSON file
// so chains continue across runs.
type ChainTracker struct {
	mu    sync.RWMutex
	heads map[string]ChainHead
	path  string
}

// NewChainTracker loads chain heads from dir, creating it if needed.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir %s: %w", dir, err)
	}
	t := &ChainTracker{heads: map[string]ChainHead{}, path: filepath.Join(dir, headsFile)}

	data, err := os.ReadFile(t.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return t, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", t.path, err)
	}
	if err := json.Unmarshal(data, &t.heads); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t.path, err)
	}
	return t, nil
}

// Head returns the head of chain, or ErrNoChainHead for a new chain.
func (t *ChainTracker) Head(chain string) (ChainHead, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.heads[chain]
	if !ok || h.Hash == "" {
		return ChainHead{}, ErrNoChainHead
	}
	return h, nil
}

// Advance makes hash the head of chain and persists all heads. The
// in-memory head moves even when the write fails.
func (t *ChainTracker) Advance(chain, hash string) (ChainHead, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.heads[chain]
	h = ChainHead{Hash: hash, Seq: h.Seq + 1, UpdatedAt: time.Now().UTC()}
	t.heads[chain] = h

	data, err := json.MarshalIndent(t.heads, "", "  ")
	if err != nil {
		return h, fmt.Errorf("marshal chain heads: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return h, fmt.Errorf("write chain heads: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return h, fmt.Errorf("rename chain heads: %w", err)
	}
	return h, nil
}
