package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveStageDuration("dispatch", 150*time.Millisecond)
	pr.ObserveBuildDuration("ptx", 500*time.Millisecond)
	pr.IncBuildOutcome("ptx", BuildOutcomeSuccess)
	pr.ObserveUnitDuration(2*time.Second, ResultSuccess)
	pr.IncUnitResult(ResultSuccess)
	pr.IncUnitResult(ResultSuccess)
	pr.IncUnitResult(ResultFailed)
	pr.SetDispatchConcurrency(8)
	pr.SetStaleUnits(3)

	assert.InDelta(t, 2, testutil.ToFloat64(pr.unitResults.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pr.unitResults.WithLabelValues("failed")), 0)
	assert.InDelta(t, 8, testutil.ToFloat64(pr.concurrency), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(pr.staleUnits), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pr.buildOutcome.WithLabelValues("ptx", "success")), 0)

	expected := `
# HELP kernelforge_stale_units Units found stale by the last build
# TYPE kernelforge_stale_units gauge
kernelforge_stale_units 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "kernelforge_stale_units"))
}

func TestPrometheusRecorder_NilSafe(t *testing.T) {
	var pr *PrometheusRecorder
	assert.NotPanics(t, func() {
		pr.IncUnitResult(ResultSuccess)
		pr.SetStaleUnits(1)
	})
}

func TestWriteTextfile(t *testing.T) {
	pr := NewPrometheusRecorder(nil)
	pr.IncBuildOutcome("lib", BuildOutcomeUpToDate)

	path := filepath.Join(t.TempDir(), "kernelforge.prom")
	require.NoError(t, pr.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `kernelforge_build_outcomes_total{mode="lib",outcome="up_to_date"} 1`)
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncUnitResult(ResultSkipped)
	r.ObserveBuildDuration("ptx", time.Second)
}
