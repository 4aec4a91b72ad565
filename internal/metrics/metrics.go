// Package metrics collects Prometheus counters and histograms for jailkeeper.
//
// jailkeeper runs as a one-shot command, so metrics are exported through the
// node_exporter textfile collector rather than an HTTP listener.
package metrics

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors. All methods are safe on a nil *Metrics.
type Metrics struct {
	registry         *prometheus.Registry
	reconcileTotal   *prometheus.CounterVec
	reconcileSeconds *prometheus.HistogramVec
	propertyWrites   *prometheus.CounterVec
	lifecycleTotal   *prometheus.CounterVec
	createdTotal     *prometheus.CounterVec
}

// New constructs a metrics registry and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	reconcileTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jailkeeper",
			Name:      "reconcile_total",
			Help:      "Total number of declarative entry point evaluations by outcome.",
		},
		[]string{"entry", "outcome"},
	)
	reconcileSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jailkeeper",
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent evaluating a declarative entry point.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"entry"},
	)
	propertyWrites := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jailkeeper",
			Name:      "property_writes_total",
			Help:      "Total number of property writes by verification result.",
		},
		[]string{"result"},
	)
	lifecycleTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jailkeeper",
			Name:      "lifecycle_total",
			Help:      "Total number of jail lifecycle operations.",
		},
		[]string{"op", "result"},
	)
	createdTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jailkeeper",
			Name:      "jails_created_total",
			Help:      "Total number of jail creations by jail type.",
		},
		[]string{"type", "result"},
	)

	registry.MustRegister(
		reconcileTotal,
		reconcileSeconds,
		propertyWrites,
		lifecycleTotal,
		createdTotal,
	)

	return &Metrics{
		registry:         registry,
		reconcileTotal:   reconcileTotal,
		reconcileSeconds: reconcileSeconds,
		propertyWrites:   propertyWrites,
		lifecycleTotal:   lifecycleTotal,
		createdTotal:     createdTotal,
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the current metrics in the text exposition format.
// The file is written atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("metrics textfile path is required")
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) ObserveReconcile(entry, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.reconcileTotal.WithLabelValues(entry, outcome).Inc()
	if seconds := duration.Seconds(); seconds >= 0 {
		m.reconcileSeconds.WithLabelValues(entry).Observe(seconds)
	}
}

func (m *Metrics) IncPropertyWrite(applied bool) {
	if m == nil {
		return
	}
	m.propertyWrites.WithLabelValues(result(applied)).Inc()
}

func (m *Metrics) IncLifecycle(op string, err error) {
	if m == nil {
		return
	}
	m.lifecycleTotal.WithLabelValues(op, result(err == nil)).Inc()
}

func (m *Metrics) IncCreate(jailType string, ok bool) {
	if m == nil {
		return
	}
	m.createdTotal.WithLabelValues(jailType, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
