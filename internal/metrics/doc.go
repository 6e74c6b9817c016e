// Package metrics records build metrics for kernelforge.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so no call site needs a nil check:
//
//	svc := build.NewService().WithRecorder(metrics.NewPrometheusRecorder(nil))
//
// A command-line build has no scrape endpoint; the Prometheus recorder is
// exported once per run with WriteTextfile, in the format read by the
// node_exporter textfile collector.
package metrics
