package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	OutboxPersisted  prometheus.Counter
	OutboxDeleted    prometheus.Counter
	OutboxUnsent     prometheus.Gauge
	DispatchChunks   *prometheus.CounterVec
	DispatchEvents   *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	Jobs             *prometheus.CounterVec
	StateChanges     prometheus.Counter
}

// New creates collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		OutboxPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_outbox_persisted_total",
			Help: "Total number of events persisted to the outbox",
		}),
		OutboxDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_outbox_deleted_total",
			Help: "Total number of outbox rows removed by cleanup",
		}),
		OutboxUnsent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smsrelay_outbox_unsent",
			Help: "Number of outbox rows waiting for acknowledgment",
		}),
		DispatchChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsrelay_dispatch_chunks_total",
				Help: "Total number of chunk requests by result",
			},
			[]string{"result"},
		),
		DispatchEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsrelay_dispatch_events_total",
				Help: "Total number of events dispatched by result",
			},
			[]string{"result"},
		),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smsrelay_dispatch_duration_seconds",
			Help:    "Latency of chunk requests to the collector",
			Buckets: prometheus.DefBuckets,
		}),
		Jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsrelay_jobs_total",
				Help: "Total number of scheduled job runs by job and result",
			},
			[]string{"job", "result"},
		),
		StateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_state_changes_total",
			Help: "Total number of state-changed notifications",
		}),
	}

	if reg != nil {
		m.gatherer = reg
		reg.MustRegister(
			m.OutboxPersisted,
			m.OutboxDeleted,
			m.OutboxUnsent,
			m.DispatchChunks,
			m.DispatchEvents,
			m.DispatchDuration,
			m.Jobs,
			m.StateChanges,
		)
	}
	return m
}

// Handler returns the Prometheus metrics HTTP handler for the registry m was created with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Persisted counts one stored event.
func (m *Metrics) Persisted() {
	if m == nil {
		return
	}
	m.OutboxPersisted.Inc()
}

// Deleted counts rows removed by cleanup.
func (m *Metrics) Deleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.OutboxDeleted.Add(float64(n))
}

// SetUnsent records the current unsent backlog.
func (m *Metrics) SetUnsent(n int) {
	if m == nil {
		return
	}
	m.OutboxUnsent.Set(float64(n))
}

// Chunk records one chunk attempt with its event count and latency.
func (m *Metrics) Chunk(result string, events int, seconds float64) {
	if m == nil {
		return
	}
	m.DispatchChunks.WithLabelValues(result).Inc()
	m.DispatchEvents.WithLabelValues(result).Add(float64(events))
	if seconds > 0 {
		m.DispatchDuration.Observe(seconds)
	}
}

// Job records one scheduled job run.
func (m *Metrics) Job(name, result string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(name, result).Inc()
}

// StateChanged counts one state-changed notification.
func (m *Metrics) StateChanged() {
	if m == nil {
		return
	}
	m.StateChanges.Inc()
}
