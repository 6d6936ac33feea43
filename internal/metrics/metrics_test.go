package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	before := testutil.ToFloat64(jobStarts.WithLabelValues("noop"))
	IncStart("noop")
	assert.Equal(t, before, testutil.ToFloat64(jobStarts.WithLabelValues("noop")))
	assert.False(t, Enabled())
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
	assert.True(t, Enabled())

	IncStart("1_a")
	IncStart("1_a")
	IncStop("1_a", "exited")
	IncCrash("1_a")
	IncSpawnFailure("1_b")
	IncInstallFailure("1_b")
	RecordStateTransition("stopped", "running")
	RecordStateTransition("running", "running")
	SetJobCounts(map[string]int{"running": 2}, []string{"stopped", "running"})
	ObserveSweep(0.01)
	SetUsage("1_a", 12.5, 1024)

	assert.Equal(t, 2.0, testutil.ToFloat64(jobStarts.WithLabelValues("1_a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(jobStops.WithLabelValues("1_a", "exited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(stateTransitions.WithLabelValues("stopped", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(stateTransitions.WithLabelValues("running", "running")))
	assert.Equal(t, 2.0, testutil.ToFloat64(jobsByStatus.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(jobsByStatus.WithLabelValues("stopped")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(rssBytes.WithLabelValues("1_a")))

	ForgetJob("1_a")
	assert.Equal(t, 0, testutil.CollectAndCount(rssBytes))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, n := range []string{
		"scripthost_job_starts_total",
		"scripthost_job_stops_total",
		"scripthost_job_crashes_total",
		"scripthost_job_spawn_failures_total",
		"scripthost_job_install_failures_total",
		"scripthost_job_state_transitions_total",
		"scripthost_job_jobs",
		"scripthost_job_sweep_duration_seconds",
	} {
		assert.True(t, names[n], n)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	IncStart("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "scripthost_job_starts_total"))
}
