package metrics

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusReporter registers histograms on its own prometheus registry.
// Observations are keyed by the short metric name (HistogramOpts.Name).
type PrometheusReporter struct {
	registry   *prometheus.Registry
	constLabel prometheus.Labels

	mu         sync.RWMutex
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusReporter creates a reporter. constLabels are attached to
// every metric, e.g. the server kind.
func NewPrometheusReporter(constLabels map[string]string) *PrometheusReporter {
	return &PrometheusReporter{
		registry:   prometheus.NewRegistry(),
		constLabel: constLabels,
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry, for promhttp.HandlerFor.
func (r *PrometheusReporter) Registry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusReporter) RegisterHistogram(opts HistogramOpts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histograms[opts.Name]; ok {
		return nil
	}
	hist, err := r.newHistogram(opts)
	if err != nil {
		return err
	}
	r.histograms[opts.Name] = hist
	return nil
}

// newHistogram registers the vector, adopting an identical one that is
// already on the registry.
func (r *PrometheusReporter) newHistogram(opts HistogramOpts) (*prometheus.HistogramVec, error) {
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        opts.Name,
			Help:        opts.Help,
			Buckets:     opts.Buckets,
			ConstLabels: r.constLabel,
		},
		opts.VariableLabels,
	)
	if err := r.registry.Register(hist); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("register histogram %s: %w", opts.Name, err)
	}
	return hist, nil
}

var errUnknownMetric = errors.New("metric not registered")

func (r *PrometheusReporter) ObserveHistogram(name string, value float64, labels ...string) error {
	r.mu.RLock()
	hist, ok := r.histograms[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownMetric, name)
	}
	obs, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return err
	}
	obs.Observe(value)
	return nil
}

// Histogram returns the registered vector, mainly for tests.
func (r *PrometheusReporter) Histogram(name string) (*prometheus.HistogramVec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hist, ok := r.histograms[name]
	return hist, ok
}
