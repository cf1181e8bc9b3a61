package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/withObsrvr/biostream/internal/logging"
)

// Config configures audit emission.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // HTTP endpoint; empty writes files only
	Dir      string `yaml:"dir"`      // event files and chain heads
}

// Emitter publishes audit events.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter returns the emitter cfg asks for. Disabled configs get a
// no-op emitter.
func NewEmitter(cfg Config) (Emitter, error) {
	if !cfg.Enabled {
		return noopEmitter{}, nil
	}
	if cfg.Dir == "" {
		cfg.Dir = "./audit"
	}
	if cfg.Endpoint != "" {
		return NewHTTPEmitter(cfg)
	}
	return NewFileEmitter(cfg.Dir)
}

// chained seals events against a tracker. Emission is serialized so chain
// heads never fork.
type chained struct {
	mu      sync.Mutex
	tracker *ChainTracker
	log     *slog.Logger
}

func newChained(dir string) (*chained, error) {
	tracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	return &chained{tracker: tracker, log: logging.Component("audit")}, nil
}

// emit seals evt, hands it to publish, and advances the chain head only
// when publish succeeds.
func (c *chained) emit(evt *Event, publish func(*Event) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := evt.ChainKey()
	head, err := c.tracker.Head(key)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	evt.seal(head.Hash)

	if err := publish(evt); err != nil {
		return err
	}
	next, err := c.tracker.Advance(key, evt.Chain.EventHash)
	if err != nil {
		c.log.Warn("failed to persist chain head", "chain", key, "error", err)
	}
	c.log.Debug("event emitted",
		"chain", key,
		"seq", next.Seq,
		"file", evt.File.Path,
		"event_hash", evt.Chain.EventHash,
		"prev_hash", head.Hash,
	)
	return nil
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }

func (noopEmitter) Close() error { return nil }
