package metrics

import "time"

// ResultLabel enumerates unit and stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
	ResultSkipped ResultLabel = "skipped"
)

// BuildOutcomeLabel is the final status of a build.
type BuildOutcomeLabel string

const (
	BuildOutcomeSuccess  BuildOutcomeLabel = "success"
	BuildOutcomeUpToDate BuildOutcomeLabel = "up_to_date"
	BuildOutcomeFailed   BuildOutcomeLabel = "failed"
	BuildOutcomeCanceled BuildOutcomeLabel = "canceled"
)

// Recorder defines observability hooks for builds. Implementations must be
// safe for concurrent use: unit observations arrive from dispatch workers.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveBuildDuration(mode string, d time.Duration)
	IncBuildOutcome(mode string, outcome BuildOutcomeLabel)
	ObserveUnitDuration(d time.Duration, result ResultLabel)
	IncUnitResult(result ResultLabel)
	SetDispatchConcurrency(n int)
	SetStaleUnits(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration)     {}
func (NoopRecorder) ObserveBuildDuration(string, time.Duration)     {}
func (NoopRecorder) IncBuildOutcome(string, BuildOutcomeLabel)      {}
func (NoopRecorder) ObserveUnitDuration(time.Duration, ResultLabel) {}
func (NoopRecorder) IncUnitResult(ResultLabel)                      {}
func (NoopRecorder) SetDispatchConcurrency(int)                     {}
func (NoopRecorder) SetStaleUnits(int)                              {}
