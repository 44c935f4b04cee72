// Package metrics exposes engine activity as Prometheus collectors. A nil
// *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "graphharmony"

// Metrics contains all engine metrics.
type Metrics struct {
	// Graph metrics
	BatchesTotal   *prometheus.CounterVec
	TriplesChanged *prometheus.CounterVec
	GraphSize      *prometheus.GaugeVec

	// Evaluation metrics
	PathDuration       *prometheus.HistogramVec
	PathResults        *prometheus.HistogramVec
	ValidationDuration prometheus.Histogram
	ValidationResults  *prometheus.CounterVec

	// Harmonization metrics
	Resolutions       *prometheus.CounterVec
	ConflictsDetected prometheus.Counter
	ConflictsResolved *prometheus.CounterVec
}

// New creates the collectors and registers them on registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graph",
				Name:      "batches_total",
				Help:      "Total number of applied graph batches",
			},
			[]string{"graph"},
		),

		TriplesChanged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "graph",
				Name:      "triples_changed_total",
				Help:      "Total number of triples inserted or removed",
			},
			[]string{"graph", "op"},
		),

		GraphSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "graph",
				Name:      "triples",
				Help:      "Number of triples in the graph after the last batch",
			},
			[]string{"graph"},
		),

		PathDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "path",
				Name:      "duration_seconds",
				Help:      "Property path evaluation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),

		PathResults: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "path",
				Name:      "results",
				Help:      "Number of results per property path evaluation",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"mode"},
		),

		ValidationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "validation",
				Name:      "duration_seconds",
				Help:      "Shape validation run duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		ValidationResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "validation",
				Name:      "results_total",
				Help:      "Total number of validation results by severity",
			},
			[]string{"severity"},
		),

		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resolver",
				Name:      "resolutions_total",
				Help:      "Total number of entity resolutions by outcome",
			},
			[]string{"outcome"},
		),

		ConflictsDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "conflict",
				Name:      "detected_total",
				Help:      "Total number of detected conflicts",
			},
		),

		ConflictsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "conflict",
				Name:      "resolved_total",
				Help:      "Total number of conflicts processed by strategy and status",
			},
			[]string{"strategy", "status"},
		),
	}

	for _, c := range m.collectors() {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BatchesTotal,
		m.TriplesChanged,
		m.GraphSize,
		m.PathDuration,
		m.PathResults,
		m.ValidationDuration,
		m.ValidationResults,
		m.Resolutions,
		m.ConflictsDetected,
		m.ConflictsResolved,
	}
}

// graphLabel names the default graph.
func graphLabel(graph string) string {
	if graph == "" {
		return "default"
	}
	return graph
}

// ObserveBatch records an applied graph batch.
func (m *Metrics) ObserveBatch(graph string, inserted, removed, size int) {
	if m == nil {
		return
	}
	label := graphLabel(graph)
	m.BatchesTotal.WithLabelValues(label).Inc()
	m.TriplesChanged.WithLabelValues(label, "insert").Add(float64(inserted))
	m.TriplesChanged.WithLabelValues(label, "remove").Add(float64(removed))
	m.GraphSize.WithLabelValues(label).Set(float64(size))
}

// ObservePath records one property path evaluation.
func (m *Metrics) ObservePath(mode string, elapsed time.Duration, results int) {
	if m == nil {
		return
	}
	m.PathDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	m.PathResults.WithLabelValues(mode).Observe(float64(results))
}

// ObserveValidation records one validation run.
func (m *Metrics) ObserveValidation(elapsed time.Duration, violations, warnings, infos int) {
	if m == nil {
		return
	}
	m.ValidationDuration.Observe(elapsed.Seconds())
	m.ValidationResults.WithLabelValues("violation").Add(float64(violations))
	m.ValidationResults.WithLabelValues("warning").Add(float64(warnings))
	m.ValidationResults.WithLabelValues("info").Add(float64(infos))
}

// ObserveResolution records an entity resolution outcome.
func (m *Metrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

// ObserveConflicts records detected conflicts.
func (m *Metrics) ObserveConflicts(detected int) {
	if m == nil {
		return
	}
	m.ConflictsDetected.Add(float64(detected))
}

// ObserveResolved records the outcome of a conflict resolution run.
func (m *Metrics) ObserveResolved(strategy string, resolved, unresolved int) {
	if m == nil {
		return
	}
	m.ConflictsResolved.WithLabelValues(strategy, "resolved").Add(float64(resolved))
	m.ConflictsResolved.WithLabelValues(strategy, "unresolved").Add(float64(unresolved))
}
