package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors describing engine activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	opDuration      *prometheus.HistogramVec
	deployments     *prometheus.CounterVec
	limitViolations *prometheus.CounterVec
	reconciled      prometheus.Counter
	livenessErrors  prometheus.Counter
}

// MustNewMetrics registers the engine collectors with reg. Tests pass a
// fresh prometheus.NewRegistry(); registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "treeherd",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Duration of engine operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "code"},
		),
		deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "treeherd",
				Subsystem: "engine",
				Name:      "deployments_total",
				Help:      "Agent deployment attempts by outcome.",
			},
			[]string{"code"},
		),
		limitViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "treeherd",
				Subsystem: "engine",
				Name:      "limit_violations_total",
				Help:      "Deployments rejected by an anti-spiral limit.",
			},
			[]string{"limit"},
		),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treeherd",
			Subsystem: "engine",
			Name:      "reconciled_agents_total",
			Help:      "Agents retired because their session disappeared.",
		}),
		livenessErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "treeherd",
			Subsystem: "engine",
			Name:      "liveness_check_errors_total",
			Help:      "Liveness checks that could not be answered.",
		}),
	}
	reg.MustRegister(m.opDuration, m.deployments, m.limitViolations, m.reconciled, m.livenessErrors)
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(op, Code(err)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) deployed(err error) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(Code(err)).Inc()
}

func (m *Metrics) violation(limit string) {
	if m == nil {
		return
	}
	m.limitViolations.WithLabelValues(limit).Inc()
}

func (m *Metrics) retired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.reconciled.Add(float64(n))
}

func (m *Metrics) livenessError() {
	if m == nil {
		return
	}
	m.livenessErrors.Inc()
}
