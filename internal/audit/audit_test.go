package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileEvent(batch, path string) *Event {
	return &Event{
		Batch: BatchInfo{BatchID: batch, Operation: "detect"},
		File:  FileInfo{Path: path, Units: 3, Checksum: "sha256:abc"},
	}
}

func TestComputeEventHashIgnoresOwnHash(t *testing.T) {
	evt := fileEvent("b1", "a.png")
	evt.Timestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h1 := ComputeEventHash(evt)
	evt.Chain.EventHash = "sha256:whatever"
	assert.Equal(t, h1, ComputeEventHash(evt))
	assert.True(t, strings.HasPrefix(h1, "sha256:"))

	evt.File.Units = 4
	assert.NotEqual(t, h1, ComputeEventHash(evt))
}

func TestFileEmitterChains(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileEmitter(dir)
	require.NoError(t, err)

	var events []*Event
	for _, p := range []string{"a.png", "b.png", "c.png"} {
		evt := fileEvent("b1", p)
		require.NoError(t, e.Emit(context.Background(), evt))
		events = append(events, evt)
	}
	assert.Empty(t, events[0].Chain.PrevEventHash)
	assert.Equal(t, events[0].Chain.EventHash, events[1].Chain.PrevEventHash)
	assert.True(t, Verify(events))

	data, err := os.ReadFile(e.backup.Path(events[2]))
	require.NoError(t, err)
	var onDisk Event
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, events[2].Chain, onDisk.Chain)

	// Tampering breaks verification.
	events[1].File.Path = "x.png"
	assert.False(t, Verify(events))

	// A new emitter over the same directory continues the chain.
	e2, err := NewFileEmitter(dir)
	require.NoError(t, err)
	next := fileEvent("b2", "d.png")
	require.NoError(t, e2.Emit(context.Background(), next))
	assert.Equal(t, events[2].Chain.EventHash, next.Chain.PrevEventHash)
}

func TestHTTPEmitterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var evt Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil || evt.Chain.EventHash == "" {
			http.Error(w, "bad event", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, Dir: dir})
	require.NoError(t, err)
	e.RetryDelay = time.Millisecond

	evt := fileEvent("b1", "a.png")
	require.NoError(t, e.Emit(context.Background(), evt))
	assert.EqualValues(t, 2, calls.Load())

	head, err := e.tracker.Head("detect")
	require.NoError(t, err)
	assert.Equal(t, evt.Chain.EventHash, head.Hash)
	assert.EqualValues(t, 1, head.Seq)

	files, err := filepath.Glob(filepath.Join(dir, "b1_detect_*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestHTTPEmitterFailureKeepsHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, Dir: t.TempDir()})
	require.NoError(t, err)
	e.Retries = 2
	e.RetryDelay = time.Millisecond

	err = e.Emit(context.Background(), fileEvent("b1", "a.png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 500")

	_, err = e.tracker.Head("detect")
	assert.ErrorIs(t, err, ErrNoChainHead)
}

func TestNewEmitterDisabled(t *testing.T) {
	e, err := NewEmitter(Config{})
	require.NoError(t, err)
	assert.NoError(t, e.Emit(context.Background(), fileEvent("b", "a")))
	assert.NoError(t, e.Close())
}
