package metrics

import (
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "kernelforge"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	reg           *prom.Registry
	stageDuration *prom.HistogramVec
	buildDuration *prom.HistogramVec
	buildOutcome  *prom.CounterVec
	unitDuration  *prom.HistogramVec
	unitResults   *prom.CounterVec
	concurrency   prom.Gauge
	staleUnits    prom.Gauge
}

// NewPrometheusRecorder constructs the metrics and registers them on reg
// (a fresh registry when nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Duration of individual build stages",
		Buckets:   prom.DefBuckets,
	}, []string{"stage"})
	pr.buildDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "build_duration_seconds",
		Help:      "Total build duration",
		Buckets:   prom.DefBuckets,
	}, []string{"mode"})
	pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "build_outcomes_total",
		Help:      "Build outcomes by final status",
	}, []string{"mode", "outcome"})
	pr.unitDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "unit_compile_duration_seconds",
		Help:      "Duration of individual nvcc compile invocations",
		Buckets:   prom.ExponentialBuckets(0.25, 2, 10),
	}, []string{"result"})
	pr.unitResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "unit_results_total",
		Help:      "Kernel unit compile results",
	}, []string{"result"})
	pr.concurrency = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_concurrency",
		Help:      "Concurrency bound of the last compile batch",
	})
	pr.staleUnits = prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "stale_units",
		Help:      "Units found stale by the last build",
	})
	reg.MustRegister(pr.stageDuration, pr.buildDuration, pr.buildOutcome, pr.unitDuration, pr.unitResults, pr.concurrency, pr.staleUnits)
	return pr
}

// Registry returns the registry the metrics are registered on.
func (p *PrometheusRecorder) Registry() *prom.Registry { return p.reg }

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(mode string, d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(mode string, outcome BuildOutcomeLabel) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(mode, string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveUnitDuration(d time.Duration, result ResultLabel) {
	if p == nil || p.unitDuration == nil {
		return
	}
	p.unitDuration.WithLabelValues(string(result)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncUnitResult(result ResultLabel) {
	if p == nil || p.unitResults == nil {
		return
	}
	p.unitResults.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) SetDispatchConcurrency(n int) {
	if p == nil || p.concurrency == nil {
		return
	}
	p.concurrency.Set(float64(n))
}

func (p *PrometheusRecorder) SetStaleUnits(n int) {
	if p == nil || p.staleUnits == nil {
		return
	}
	p.staleUnits.Set(float64(n))
}

// WriteTextfile writes every registered metric to path in the Prometheus text
// format. The file is replaced atomically.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if err := prom.WriteToTextfile(path, p.reg); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
