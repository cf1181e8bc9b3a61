// Package timing records where the time of one unit of work went: client
// file load, client frame preparation, the transfer out, remote service,
// the transfer back, and the end-to-end total.
package timing

import (
	"fmt"
	"sort"
	"time"
)

// Stage names, in pipeline order.
const (
	StageFile     = "file"
	StageFrame    = "frame"
	StageOutbound = "outbound"
	StageRemote   = "remote"
	StageInbound  = "inbound"
	StageTotal    = "total"
)

// StageNames lists the six fixed stages in pipeline order.
var StageNames = []string{StageFile, StageFrame, StageOutbound, StageRemote, StageInbound, StageTotal}

// Interval is a start/end pair. A zero time means the boundary has not been
// recorded, which is distinct from a recorded zero-length interval.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Started reports whether the start boundary is set.
func (i Interval) Started() bool { return !i.Start.IsZero() }

// Ended reports whether the end boundary is set.
func (i Interval) Ended() bool { return !i.End.IsZero() }

// Complete reports whether both boundaries are set.
func (i Interval) Complete() bool { return i.Started() && i.Ended() }

// Duration returns End-Start, or 0 when the interval is incomplete.
func (i Interval) Duration() time.Duration {
	if !i.Complete() {
		return 0
	}
	return i.End.Sub(i.Start)
}

// MarkStart sets the start boundary.
func (i *Interval) MarkStart(t time.Time) {
	i.Start = t
	if i.Ended() && i.End.Before(t) {
		i.End = t
	}
}

// MarkEnd sets the end boundary. Boundaries stamped on different hosts can
// disagree; an end earlier than the start is clamped to the start.
func (i *Interval) MarkEnd(t time.Time) {
	if i.Started() && t.Before(i.Start) {
		t = i.Start
	}
	i.End = t
}

// Record is the per-unit duration record. Sub holds named sub-durations
// reported by the remote service; its key set is open.
type Record struct {
	ClientFile  Interval                 `json:"client_file"`
	ClientFrame Interval                 `json:"client_frame"`
	Outbound    Interval                 `json:"outbound"`
	Remote      Interval                 `json:"remote"`
	Inbound     Interval                 `json:"inbound"`
	Total       Interval                 `json:"total"`
	Sub         map[string]time.Duration `json:"sub,omitempty"`
}

// Stage returns a pointer to the named interval, or nil for unknown names.
func (r *Record) Stage(name string) *Interval {
	switch name {
	case StageFile:
		return &r.ClientFile
	case StageFrame:
		return &r.ClientFrame
	case StageOutbound:
		return &r.Outbound
	case StageRemote:
		return &r.Remote
	case StageInbound:
		return &r.Inbound
	case StageTotal:
		return &r.Total
	}
	return nil
}

// Stages returns the six intervals keyed by stage name.
func (r *Record) Stages() map[string]Interval {
	out := make(map[string]Interval, len(StageNames))
	for _, name := range StageNames {
		out[name] = *r.Stage(name)
	}
	return out
}

// SetSub records a named remote sub-duration.
func (r *Record) SetSub(name string, d time.Duration) {
	if r.Sub == nil {
		r.Sub = make(map[string]time.Duration)
	}
	r.Sub[name] = d
}

// SubNames returns the sub-duration keys in sorted order.
func (r *Record) SubNames() []string {
	names := make([]string, 0, len(r.Sub))
	for k := range r.Sub {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Finalize sets Total to span the earliest recorded start and the latest
// recorded end of the five component stages. Total is therefore never
// shorter than any single stage.
func (r *Record) Finalize() {
	var first, last time.Time
	for _, name := range StageNames[:5] {
		iv := r.Stage(name)
		if iv.Started() && (first.IsZero() || iv.Start.Before(first)) {
			first = iv.Start
		}
		if iv.Ended() && iv.End.After(last) {
			last = iv.End
		}
	}
	if !first.IsZero() {
		r.Total.Start = first
	}
	if !last.IsZero() {
		r.Total.MarkEnd(last)
	}
}

// Validate checks that every complete interval has End >= Start.
func (r *Record) Validate() error {
	for _, name := range StageNames {
		iv := r.Stage(name)
		if iv.Complete() && iv.End.Before(iv.Start) {
			return fmt.Errorf("stage %s ends before it starts (%s < %s)", name, iv.End, iv.Start)
		}
	}
	for k, d := range r.Sub {
		if d < 0 {
			return fmt.Errorf("sub-duration %s is negative: %s", k, d)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r.Sub != nil {
		sub := make(map[string]time.Duration, len(r.Sub))
		for k, v := range r.Sub {
			sub[k] = v
		}
		r.Sub = sub
	}
	return r
}

// Span returns the file-level total: from the earliest client start of the
// first unit to the inbound end of the last unit.
func Span(first, last Record) Interval {
	var iv Interval
	for _, name := range []string{StageFile, StageFrame, StageOutbound} {
		s := first.Stage(name)
		if s.Started() && (!iv.Started() || s.Start.Before(iv.Start)) {
			iv.Start = s.Start
		}
	}
	if last.Inbound.Ended() {
		iv.MarkEnd(last.Inbound.End)
	}
	return iv
}
