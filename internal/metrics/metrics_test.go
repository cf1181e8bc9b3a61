package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/biostream/internal/timing"
)

func TestObserveUnitRecordsCompleteStagesOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	prev := defaultMetrics
	defer func() { defaultMetrics = prev }()

	m := Init("test", reg)
	require.Same(t, m, Get())

	t0 := time.Now()
	var rec timing.Record
	rec.Remote.MarkStart(t0)
	rec.Remote.MarkEnd(t0.Add(20 * time.Millisecond))
	rec.Outbound.MarkStart(t0)
	rec.SetSub("embed", 5*time.Millisecond)

	l := Labels{Operation: "extract"}
	m.ObserveUnit(l, rec)
	m.IncFilesProcessed(l)
	m.IncFilesFailed(Labels{Operation: "extract", Reason: "transport"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitsProcessed.WithLabelValues("extract")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesProcessed.WithLabelValues("extract")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FilesFailed.WithLabelValues("extract", "transport")))

	// Only the complete remote stage produces a histogram series.
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SubDuration))
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := Init("router", reg)
	m.IncServerRejected()

	srv := httptest.NewServer(NewRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "router_server_rejected_calls_total 1"))

	resp, err = http.Post(srv.URL+"/health", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
