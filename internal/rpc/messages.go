// Package rpc defines the wire contract between pipeline clients and fleet
// workers: the recognition service descriptor, its messages, the codec and
// compressors, and the server-side admission limiter.
package rpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/withObsrvr/biostream/internal/timing"
)

// Operation names a streaming recognition call.
type Operation string

const (
	OpDetect  Operation = "detect"
	OpExtract Operation = "extract"
	OpEnroll  Operation = "enroll"
	OpSearch  Operation = "search"
	OpVerify  Operation = "verify"
	OpTrack   Operation = "track"
)

// Operations lists every streaming operation.
var Operations = []Operation{OpDetect, OpExtract, OpEnroll, OpSearch, OpVerify, OpTrack}

// ParseOperation resolves a case-insensitive operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Operations {
		if op == known {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// method is the RPC method name, e.g. "Detect".
func (o Operation) method() string {
	if o == "" {
		return ""
	}
	return strings.ToUpper(string(o[:1])) + string(o[1:])
}

// DatabaseOp names a unary database call.
type DatabaseOp string

const (
	DBCreate     DatabaseOp = "create"
	DBDelete     DatabaseOp = "delete"
	DBRename     DatabaseOp = "rename"
	DBList       DatabaseOp = "list"
	DBInsert     DatabaseOp = "insert"
	DBRetrieve   DatabaseOp = "retrieve"
	DBCheckpoint DatabaseOp = "checkpoint"
	DBFinalize   DatabaseOp = "finalize"
)

// DatabaseOps lists every database operation.
var DatabaseOps = []DatabaseOp{DBCreate, DBDelete, DBRename, DBList, DBInsert, DBRetrieve, DBCheckpoint, DBFinalize}

// ParseDatabaseOp resolves a case-insensitive database operation name.
func ParseDatabaseOp(s string) (DatabaseOp, error) {
	op := DatabaseOp(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DatabaseOps {
		if op == known {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown database operation %q", s)
}

func (o DatabaseOp) method() string {
	return strings.ToUpper(string(o[:1])) + string(o[1:]) + "Database"
}

// Payload encodings.
const (
	EncodingRGBA = "rgba"
	EncodingJPEG = "jpeg"
)

// Options are per-call parameters passed through to the recognizer.
type Options struct {
	Database   string            `json:"database,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Threshold  float64           `json:"threshold,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Request carries one media unit to a worker.
type Request struct {
	RequestID  string        `json:"request_id"`
	SourcePath string        `json:"source_path"`
	FrameIndex int           `json:"frame_index"`
	FrameCount int           `json:"frame_count"`
	Last       bool          `json:"last"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Encoding   string        `json:"encoding"`
	Payload    []byte        `json:"payload"`
	Options    Options       `json:"options"`
	Durations  timing.Record `json:"durations"`
}

// Progress reports how far through a file the worker has got.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Reply is the worker's answer for one unit. Result is opaque to the
// pipeline.
type Reply struct {
	RequestID  string          `json:"request_id"`
	SourcePath string          `json:"source_path"`
	FrameIndex int             `json:"frame_index"`
	FrameCount int             `json:"frame_count"`
	Last       bool            `json:"last"`
	Progress   Progress        `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Durations  timing.Record   `json:"durations"`
}

// Record is an opaque database entry.
type Record struct {
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DatabaseRequest is the argument of every database call; fields unused by
// an operation are ignored.
type DatabaseRequest struct {
	Database string   `json:"database,omitempty"`
	NewName  string   `json:"new_name,omitempty"`
	Records  []Record `json:"records,omitempty"`
	IDs      []string `json:"ids,omitempty"`
}

// DatabaseReply is the result of a database call.
type DatabaseReply struct {
	Databases []string `json:"databases,omitempty"`
	IDs       []string `json:"ids,omitempty"`
	Records   []Record `json:"records,omitempty"`
	URI       string   `json:"uri,omitempty"`
}

// StatusRequest asks a worker to describe itself.
type StatusRequest struct{}

// StatusReply describes one worker process.
type StatusReply struct {
	Endpoint string `json:"endpoint"`
	Replica  int    `json:"replica"`
	Pid      int    `json:"pid"`
	Threads  int    `json:"threads"`
	Capacity int    `json:"capacity"`
	InFlight int    `json:"in_flight"`
	Rejected int64  `json:"rejected"`
	UptimeMS int64  `json:"uptime_ms"`
}
