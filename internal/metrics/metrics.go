// Package metrics records run outcomes in a private Prometheus registry and
// exports them through the node-exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tb_harden"

// Recorder holds the run metrics. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	// actions counts terminal action outcomes.
	// Labels: component, class, status
	actions *prometheus.CounterVec

	// gateDuration measures health gate invocations.
	// Labels: component, healthy
	gateDuration *prometheus.HistogramVec

	// rollbacks counts rollbacks by outcome.
	// Labels: component, outcome
	rollbacks *prometheus.CounterVec

	// brake is 1 once the emergency brake engaged in the last run.
	brake prometheus.Gauge

	// lastRun is the unix time the last run finished.
	lastRun prometheus.Gauge
}

// New creates a recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "actions_total",
			Help:      "Terminal remediation action outcomes",
		}, []string{"component", "class", "status"}),
		gateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health_gate",
			Name:      "duration_seconds",
			Help:      "Time from write to a terminal health gate result",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"component", "healthy"}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "rollbacks_total",
			Help:      "Rollbacks by outcome",
		}, []string{"component", "outcome"}),
		brake: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "emergency_brake_engaged",
			Help:      "1 when the last run tripped the emergency brake",
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Action records one terminal action outcome.
func (r *Recorder) Action(component, class, status string) {
	if r == nil {
		return
	}
	r.actions.WithLabelValues(component, class, status).Inc()
}

// Gate records one health gate invocation.
func (r *Recorder) Gate(component string, healthy bool, d time.Duration) {
	if r == nil {
		return
	}
	r.gateDuration.WithLabelValues(component, fmt.Sprint(healthy)).Observe(d.Seconds())
}

// Rollback records one rollback.
func (r *Recorder) Rollback(component, outcome string) {
	if r == nil {
		return
	}
	r.rollbacks.WithLabelValues(component, outcome).Inc()
}

// Brake sets the brake gauge.
func (r *Recorder) Brake(engaged bool) {
	if r == nil {
		return
	}
	if engaged {
		r.brake.Set(1)
	} else {
		r.brake.Set(0)
	}
}

// Finish stamps the run end time.
func (r *Recorder) Finish(t time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(t.Unix()))
}

// WriteTextfile writes the registry to path for the node-exporter textfile
// collector. The write is atomic.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
