// Package metrics receives latency observations from the cluster core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HistogramOpts describes a histogram with variable labels.
type HistogramOpts struct {
	Namespace      string
	Subsystem      string
	Name           string
	Help           string
	VariableLabels []string
	Buckets        []float64
}

// Reporter is implemented by metrics backends.
type Reporter interface {
	RegisterHistogram(opts HistogramOpts) error
	ObserveHistogram(name string, value float64, labels ...string) error
}

// ExponentialBuckets returns count buckets, the first at start and each
// following one factor times the previous. It panics if count < 1,
// start <= 0 or factor <= 1.
func ExponentialBuckets(start, factor float64, count int) []float64 {
	return prometheus.ExponentialBuckets(start, factor, count)
}

// RecordHistogramDuration observes the seconds elapsed since start.
func RecordHistogramDuration(r Reporter, name string, start time.Time, labels ...string) error {
	return r.ObserveHistogram(name, time.Since(start).Seconds(), labels...)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) RegisterHistogram(HistogramOpts) error             { return nil }
func (NopReporter) ObserveHistogram(string, float64, ...string) error { return nil }
