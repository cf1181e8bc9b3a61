package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/biostream/internal/fleet"
	"github.com/withObsrvr/biostream/internal/metrics"
	"github.com/withObsrvr/biostream/internal/pipeline"
	"github.com/withObsrvr/biostream/internal/rpc"
)

func TestWorkerExtraArgs(t *testing.T) {
	cfg.Metrics = metrics.Config{Enabled: true, WorkerBasePort: 9100}
	t.Cleanup(func() { cfg.Metrics = metrics.Config{} })

	extra := workerExtraArgs(fleet.Config{ProcessesPerPort: 2})
	assert.Equal(t, []string{"--reuse-port", "--metrics-addr", ":9103"}, extra(fleet.WorkerSpec{Slot: 3}))

	extra = workerExtraArgs(fleet.Config{ProcessesPerPort: 1})
	assert.Equal(t, []string{"--metrics-addr", ":9100"}, extra(fleet.WorkerSpec{Slot: 0}))

	cfg.Metrics.WorkerBasePort = 0
	assert.Empty(t, extra(fleet.WorkerSpec{Slot: 1}))
}

func TestReadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"a","data":{"x":1}},{"data":"y"}]`), 0o644))

	recs, err := readRecords(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.JSONEq(t, `"y"`, string(recs[1].Data))

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	_, err = readRecords(path)
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	sum := &pipeline.Summary{
		BatchID:   "b1",
		Operation: rpc.OpDetect,
		Succeeded: 1,
		Failed:    1,
		Results:   []*pipeline.FileResult{{Path: "a.png", Units: make([]pipeline.UnitResult, 1), Elapsed: 12 * time.Millisecond}},
		Failures: []*pipeline.FileError{{
			Path: "b.mp4", State: pipeline.StateStreaming, LastIndex: 4, Kind: pipeline.ErrTransport, Err: assert.AnError,
		}},
	}
	var buf bytes.Buffer
	printSummary(&buf, sum)
	out := buf.String()
	assert.Contains(t, out, "a.png")
	assert.Contains(t, out, "b.mp4")
	assert.Contains(t, out, "STREAMING")
	assert.Contains(t, out, "1 succeeded, 1 failed")
}
