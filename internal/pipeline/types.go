package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/biostream/internal/media"
	"github.com/withObsrvr/biostream/internal/rpc"
	"github.com/withObsrvr/biostream/internal/timing"
)

// State is the lifecycle position of one file in a batch.
type State int

const (
	StateIdle State = iota
	StateBuildingRequests
	StateStreaming
	StateAggregating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBuildingRequests:
		return "BUILDING_REQUESTS"
	case StateStreaming:
		return "STREAMING"
	case StateAggregating:
		return "AGGREGATING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Failure kinds. A FileError wraps exactly one of these.
var (
	ErrDecode      = errors.New("decode")
	ErrTransport   = errors.New("transport")
	ErrAggregation = errors.New("aggregation")
	ErrPersist     = errors.New("persist")
)

// FileError marks one file as failed without stopping the batch.
type FileError struct {
	Path  string
	State State // state the file was in when it failed
	// LastIndex is the index of the last unit whose reply was received,
	// or -1 when none was.
	LastIndex int
	Kind      error
	Err       error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s failed in %s after unit %d: %v", e.Path, e.Kind, e.State, e.LastIndex, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *FileError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Reason is the short failure kind used in logs, metrics and checkpoints.
func (e *FileError) Reason() string {
	if e.Kind == nil {
		return "unknown"
	}
	return e.Kind.Error()
}

// UnitResult is one unit's reply as aggregated.
type UnitResult struct {
	Index     int
	Count     int
	Last      bool
	RequestID string
	Progress  rpc.Progress
	Result    json.RawMessage
	Durations timing.Record
}

// FileResult is the aggregated outcome of one file.
type FileResult struct {
	Path      string
	Operation rpc.Operation
	Units     []UnitResult
	// Durations holds the file-level view: ClientFile from the first unit
	// and Total spanning the first unit's client start to the last unit's
	// inbound end.
	Durations timing.Record
	StartedAt time.Time
	Elapsed   time.Duration
	Attempts  int

	// Set after the result is persisted.
	ResultKey string
	ResultURI string
}

// Summary reports the outcome of a batch.
type Summary struct {
	BatchID   string
	Operation rpc.Operation
	Succeeded int
	Failed    int
	// Skipped counts inputs that had no decoder.
	Skipped int
	// Resumed counts files a previous run already completed.
	Resumed     int
	Results     []*FileResult
	Failures    []*FileError
	Skips       []media.Skip
	ManifestURI string
	Elapsed     time.Duration
}

// OK reports whether every attempted file succeeded.
func (s *Summary) OK() bool {
	return s.Failed == 0
}

// fileTask is sent to workers for processing.
type fileTask struct {
	Path     string
	Index    int64 // input order, for the sequencer
	Attempt  int
	MaxRetry int
	// Reported is the highest progress passed to the reporter so far,
	// across attempts.
	Reported int
}

// fileOutcome is returned from workers to the sequencer.
type fileOutcome struct {
	Task   fileTask
	Result *FileResult
	Err    *FileError
}
