package saga

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes saga lifecycle counters to Prometheus. A nil *Metrics
// records nothing.
type Metrics struct {
	started   *prometheus.CounterVec
	done      *prometheus.CounterVec
	rollbacks *prometheus.CounterVec
	corrupted *prometheus.CounterVec
	active    *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates the saga metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "instances_started_total",
			Help:      "Total number of saga instances started or resumed",
		}, []string{"saga"}),
		done: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "instances_done_total",
			Help:      "Total number of saga instances that reached done",
		}, []string{"saga"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "rollbacks_total",
			Help:      "Total number of rollbacks started",
		}, []string{"saga"}),
		corrupted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Name:      "corrupted_total",
			Help:      "Total number of instances quarantined with a corrupted history",
		}, []string{"saga"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "saga",
			Name:      "active_instances",
			Help:      "Number of saga instances currently running",
		}, []string{"saga"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "saga",
			Name:      "duration_seconds",
			Help:      "Time from saga creation to done",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
		}, []string{"saga"}),
	}

	for _, c := range []prometheus.Collector{m.started, m.done, m.rollbacks, m.corrupted, m.active, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register saga metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) instanceStarted(saga string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(saga).Inc()
	m.active.WithLabelValues(saga).Inc()
}

func (m *Metrics) instanceExited(saga string) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(saga).Dec()
}

func (m *Metrics) sagaDone(saga string, d time.Duration) {
	if m == nil {
		return
	}
	m.done.WithLabelValues(saga).Inc()
	m.duration.WithLabelValues(saga).Observe(d.Seconds())
}

func (m *Metrics) sagaRollback(saga string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(saga).Inc()
}

func (m *Metrics) sagaCorrupted(saga string) {
	if m == nil {
		return
	}
	m.corrupted.WithLabelValues(saga).Inc()
}
