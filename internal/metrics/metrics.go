package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"riskline/internal/domain"
)

const namespace = "riskline"

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	mutations       *prometheus.CounterVec
	versions        prometheus.Counter
	conflicts       prometheus.Counter
	repairs         *prometheus.CounterVec
	waterfallLength prometheus.Histogram
	waterfallTime   prometheus.Histogram
}

// New registers the collectors on reg. Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutations by entity kind, operation and outcome.",
		}, []string{"kind", "op", "outcome"}),
		versions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_appended_total",
			Help:      "Entity and step versions appended.",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Version appends rejected by the uniqueness constraint.",
		}),
		repairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_rows_total",
			Help:      "Rows changed by maintenance jobs.",
		}, []string{"job"}),
		waterfallLength: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "waterfall",
			Name:      "points",
			Help:      "Points in a reconstructed waterfall, both series.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 250},
		}),
		waterfallTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "waterfall",
			Name:      "build_seconds",
			Help:      "Waterfall reconstruction latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveMutation counts one write attempt. Conflicts are also counted apart.
func (m *Metrics) ObserveMutation(kind domain.Kind, op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConflict):
		outcome = "conflict"
		m.conflicts.Inc()
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrImmutableField):
		outcome = "rejected"
	case errors.Is(err, domain.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	k := string(kind)
	if k == "" {
		k = "unknown"
	}
	m.mutations.WithLabelValues(k, op, outcome).Inc()
}

func (m *Metrics) IncrementVersions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.versions.Add(float64(n))
}

func (m *Metrics) IncrementRepaired(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repairs.WithLabelValues(job).Add(float64(n))
}

func (m *Metrics) ObserveWaterfall(points int, d time.Duration) {
	if m == nil {
		return
	}
	m.waterfallLength.Observe(float64(points))
	m.waterfallTime.Observe(d.Seconds())
}
