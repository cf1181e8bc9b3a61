package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/withObsrvr/biostream/internal/rpc"
	"github.com/withObsrvr/biostream/internal/timing"
)

// Aggregator collects the replies of one file in unit order.
type Aggregator struct {
	path      string
	op        rpc.Operation
	startedAt time.Time
	units     []UnitResult
	last      bool
}

// NewAggregator returns an empty aggregator for path.
func NewAggregator(path string, op rpc.Operation) *Aggregator {
	return &Aggregator{path: path, op: op, startedAt: time.Now().UTC()}
}

// Add appends a reply. Replies must arrive in unit order and none may
// follow the one marked last.
func (a *Aggregator) Add(rep *rpc.Reply) error {
	if a.last {
		return fmt.Errorf("%w: reply for unit %d after final unit", ErrAggregation, rep.FrameIndex)
	}
	if rep.FrameIndex != len(a.units) {
		return fmt.Errorf("%w: reply for unit %d, expected %d", ErrAggregation, rep.FrameIndex, len(a.units))
	}
	if rep.SourcePath != "" && rep.SourcePath != a.path {
		return fmt.Errorf("%w: reply for %q on stream of %q", ErrAggregation, rep.SourcePath, a.path)
	}

	a.units = append(a.units, UnitResult{
		Index:     rep.FrameIndex,
		Count:     rep.FrameCount,
		Last:      rep.Last,
		RequestID: rep.RequestID,
		Progress:  rep.Progress,
		Result:    rep.Result,
		Durations: rep.Durations,
	})
	a.last = rep.Last
	return nil
}

// LastIndex is the index of the last reply received, or -1.
func (a *Aggregator) LastIndex() int {
	return len(a.units) - 1
}

// Finish checks the replies against the number of requests sent and
// returns the file result.
func (a *Aggregator) Finish(sent int) (*FileResult, error) {
	if len(a.units) != sent {
		return nil, fmt.Errorf("%w: received %d replies for %d requests", ErrAggregation, len(a.units), sent)
	}
	if sent == 0 {
		return nil, fmt.Errorf("%w: no units", ErrAggregation)
	}
	if !a.last {
		return nil, fmt.Errorf("%w: final reply (unit %d) not marked last", ErrAggregation, a.LastIndex())
	}

	first, last := a.units[0].Durations, a.units[len(a.units)-1].Durations
	var rec timing.Record
	rec.ClientFile = first.ClientFile
	rec.Total = timing.Span(first, last)

	res := &FileResult{
		Path:      a.path,
		Operation: a.op,
		Units:     a.units,
		Durations: rec,
		StartedAt: a.startedAt,
		Elapsed:   time.Since(a.startedAt),
	}

	if v := ValidateFile(res); !v.Passed {
		return nil, fmt.Errorf("%w: %s", ErrAggregation, strings.Join(v.Errors, "; "))
	}
	return res, nil
}
