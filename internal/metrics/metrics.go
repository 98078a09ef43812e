// Package metrics exposes Prometheus collectors for channel lifecycle,
// session tracking and retention runs. All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicekeeper"

type Metrics struct {
	registry prometheus.Gatherer

	channelsActive     prometheus.Gauge
	channelsCreated    prometheus.Counter
	channelsDeleted    *prometheus.CounterVec
	ownershipTransfers *prometheus.CounterVec
	sessionsActive     prometheus.Gauge
	sessionsClosed     prometheus.Counter
	sessionDuration    prometheus.Histogram
	cleanupRuns        *prometheus.CounterVec
	sessionsTruncated  prometheus.Counter
	platformRetries    *prometheus.CounterVec
	eventsDispatched   prometheus.Counter
}

// New registers all collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		channelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of provisioned voice channels currently tracked",
		}),
		channelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_created_total",
			Help:      "Total number of voice channels provisioned from the lobby",
		}),
		channelsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_deleted_total",
			Help:      "Total number of provisioned voice channels deleted",
		}, []string{"reason"}),
		ownershipTransfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ownership_transfers_total",
			Help:      "Total number of channel ownership transfers",
		}, []string{"reason"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of voice sessions currently open",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of voice sessions closed",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of closed voice sessions",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}),
		cleanupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Total number of retention cleanup runs",
		}, []string{"status"}),
		sessionsTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_truncated_total",
			Help:      "Total number of session rows removed by retention cleanup",
		}),
		platformRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_retries_total",
			Help:      "Total number of retried platform API calls",
		}, []string{"op"}),
		eventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_events_total",
			Help:      "Total number of voice presence events dispatched",
		}),
	}

	reg.MustRegister(
		m.channelsActive,
		m.channelsCreated,
		m.channelsDeleted,
		m.ownershipTransfers,
		m.sessionsActive,
		m.sessionsClosed,
		m.sessionDuration,
		m.cleanupRuns,
		m.sessionsTruncated,
		m.platformRetries,
		m.eventsDispatched,
	)

	return m
}

// Gatherer returns the registry backing these metrics
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) SetChannelsActive(n int) {
	if m == nil {
		return
	}
	m.channelsActive.Set(float64(n))
}

func (m *Metrics) ChannelCreated() {
	if m == nil {
		return
	}
	m.channelsCreated.Inc()
}

func (m *Metrics) ChannelDeleted(reason string) {
	if m == nil {
		return
	}
	m.channelsDeleted.WithLabelValues(reason).Inc()
}

func (m *Metrics) OwnershipTransferred(reason string) {
	if m == nil {
		return
	}
	m.ownershipTransfers.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) SessionClosed(d time.Duration) {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
	m.sessionDuration.Observe(d.Seconds())
}

func (m *Metrics) CleanupRun(status string, removed int64) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(status).Inc()
	m.sessionsTruncated.Add(float64(removed))
}

func (m *Metrics) PlatformRetry(op string) {
	if m == nil {
		return
	}
	m.platformRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) EventDispatched() {
	if m == nil {
		return
	}
	m.eventsDispatched.Inc()
}
