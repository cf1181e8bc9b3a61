package pipeline

import (
	"log/slog"

	"github.com/withObsrvr/biostream/internal/rpc"
)

// ProgressReporter receives the progress signal of every reply.
type ProgressReporter interface {
	Report(path string, p rpc.Progress)
}

// ProgressFunc adapts a function to ProgressReporter.
type ProgressFunc func(path string, p rpc.Progress)

// Report implements ProgressReporter.
func (f ProgressFunc) Report(path string, p rpc.Progress) { f(path, p) }

// LogProgress logs every n-th unit and the final one of each file.
func LogProgress(log *slog.Logger, every int) ProgressReporter {
	if every < 1 {
		every = 1
	}
	return ProgressFunc(func(path string, p rpc.Progress) {
		if p.Current%every == 0 || p.Current == p.Total {
			log.Info("progress", "file", path, "current", p.Current, "total", p.Total)
		}
	})
}

type noProgress struct{}

func (noProgress) Report(string, rpc.Progress) {}
