package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the run's Prometheus instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	messages      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	degraded      prometheus.Counter
	batches       *prometheus.CounterVec
}

// NewMetrics registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inbox_intel",
				Name:      "messages_total",
				Help:      "Messages seen by the pipeline, by outcome.",
			},
			[]string{"outcome"}, // excluded, duplicate, deferred, success, partial, failed
		),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "inbox_intel",
				Name:      "stage_duration_seconds",
				Help:      "Duration of each per-message stage.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		degraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "inbox_intel",
			Name:      "degraded_renders_total",
			Help:      "Renders produced by the text fallback.",
		}),
		batches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "inbox_intel",
				Name:      "batches_total",
				Help:      "Batch writes to the warehouse, by result.",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) outcome(name string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messages.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) observe(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) degradedRender() {
	if m == nil {
		return
	}
	m.degraded.Inc()
}

func (m *Metrics) batch(result string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
}
