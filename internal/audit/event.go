// Package audit emits a tamper-evident trail of committed results. Each
// event carries the hash of the previous event for the same operation, so
// a consumer can detect missing or altered entries.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/biostream/internal/storage"
)

const (
	EventVersion  = "1.0"
	EventTypeFile = "file_result"
	hashPrefix    = "sha256:"
)

// Event records one committed file result.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Batch    BatchInfo            `json:"batch"`
	File     FileInfo             `json:"file"`
	Producer storage.ProducerInfo `json:"producer"`
	Chain    ChainInfo            `json:"chain"`
}

type BatchInfo struct {
	BatchID   string `json:"batch_id"`
	Operation string `json:"operation"`
}

// FileInfo describes the stored result of one source file.
type FileInfo struct {
	Path      string `json:"path"`
	Units     int    `json:"units"`
	Checksum  string `json:"checksum,omitempty"`
	ResultURI string `json:"result_uri,omitempty"`
	ByteSize  int64  `json:"byte_size,omitempty"`
	TotalMS   int64  `json:"total_ms"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey names the chain an event belongs to.
func (e *Event) ChainKey() string {
	return e.Batch.Operation
}

// ComputeEventHash hashes the JSON form of evt with its own event hash
// cleared.
func ComputeEventHash(evt *Event) string {
	c := *evt
	c.Chain.EventHash = ""
	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// seal stamps identity and chain fields onto evt.
func (e *Event) seal(prevHash string) {
	e.Version = EventVersion
	if e.EventType == "" {
		e.EventType = EventTypeFile
	}
	e.EventID = uuid.NewString()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}

// Verify checks that each event hashes correctly and links to the one
// before it. events must belong to one chain, oldest first.
func Verify(events []*Event) bool {
	prev := ""
	for i, evt := range events {
		if ComputeEventHash(evt) != evt.Chain.EventHash {
			return false
		}
		if i > 0 && evt.Chain.PrevEventHash != prev {
			return false
		}
		prev = evt.Chain.EventHash
	}
	return true
}
