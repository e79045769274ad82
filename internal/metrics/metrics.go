// Package metrics records per-run test outcomes in a private Prometheus
// registry and exports them in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "dbgtest"

// Recorder holds the collectors for one run.
type Recorder struct {
	registry *prometheus.Registry

	testsTotal   *prometheus.CounterVec
	testDuration *prometheus.HistogramVec
	runDuration  prometheus.Gauge
	sessionTimes prometheus.Counter
}

// New returns a Recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		testsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tests_total",
			Help:      "Count of executed tests by outcome",
		}, []string{"target", "outcome"}),
		testDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "test_duration_seconds",
			Help:      "Wall time of a single test including provisioning",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"target", "outcome"}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run",
		}),
		sessionTimes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_timeouts_total",
			Help:      "Count of debugger commands that timed out",
		}),
	}
}

// RecordTest counts one finished test.
func (r *Recorder) RecordTest(target, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.testsTotal.WithLabelValues(target, outcome).Inc()
	r.testDuration.WithLabelValues(target, outcome).Observe(elapsed.Seconds())
}

// RecordRun sets the run wall time.
func (r *Recorder) RecordRun(elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runDuration.Set(elapsed.Seconds())
}

// RecordSessionTimeout counts one debugger command timeout.
func (r *Recorder) RecordSessionTimeout() {
	if r == nil {
		return
	}
	r.sessionTimes.Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes every collector to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
