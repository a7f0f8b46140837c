// Package metrics holds the Prometheus instrumentation surface for the
// sync core: tick timing, fan-out/delivery queue depth, and session
// lifecycle counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every registered collector, plus the registry they were
// registered against so cmd/server can expose it over /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	TickDuration     *prometheus.HistogramVec
	TickDelayed      *prometheus.CounterVec
	TickNumber       *prometheus.GaugeVec
	DiffEntries      *prometheus.CounterVec

	SessionsByState *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec

	QueueDepth    *prometheus.GaugeVec
	QueueDropped  *prometheus.CounterVec

	QueryDuration *prometheus.HistogramVec
	QueryTotal    *prometheus.CounterVec

	StoreCallDuration *prometheus.HistogramVec
	StoreCallFailures *prometheus.CounterVec
}

// New creates a private registry and registers every collector against it.
// Each call returns an independent Metrics — unlike promauto against the
// global DefaultRegisterer, constructing more than one of these (as every
// package's test suite does) never panics on duplicate registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		TickDuration: fac.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncworld_tick_duration_seconds",
				Help:    "Wall time to capture one tick, not including the diff",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sync_group"},
		),
		TickDelayed: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncworld_tick_delayed_total",
				Help: "Ticks whose capture exceeded the group's tick rate",
			},
			[]string{"sync_group"},
		),
		TickNumber: fac.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "syncworld_tick_number",
				Help: "Most recently captured tick number per sync group",
			},
			[]string{"sync_group"},
		),
		DiffEntries: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncworld_diff_entries_total",
				Help: "Diff entries produced per tick, by kind and operation",
			},
			[]string{"sync_group", "kind", "op"},
		),
		SessionsByState: fac.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "syncworld_sessions_by_state",
				Help: "Currently registered sessions by state",
			},
			[]string{"state"},
		),
		SessionsTotal: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncworld_sessions_total",
				Help: "Sessions opened, by terminal outcome",
			},
			[]string{"outcome"}, // closed_normal, closed_policy, closed_internal
		),
		QueueDepth: fac.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "syncworld_outbound_queue_depth",
				Help: "Current outbound queue depth for a session",
			},
			[]string{"sync_group"},
		),
		QueueDropped: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncworld_outbound_queue_dropped_total",
				Help: "Messages dropped from an outbound queue under backpressure",
			},
			[]string{"sync_group", "kind"},
		),
		QueryDuration: fac.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncworld_query_duration_seconds",
				Help:    "Duration of ExecuteAs calls issued by the Query Executor",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id"},
		),
		QueryTotal: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncworld_query_total",
				Help: "Query requests processed, by outcome",
			},
			[]string{"outcome"}, // ok, session_invalid, backpressure, timeout, store_unavailable, internal, schema_violation
		),
		StoreCallDuration: fac.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncworld_store_call_duration_seconds",
				Help:    "Duration of Store Gateway calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		StoreCallFailures: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncworld_store_call_failures_total",
				Help: "Store Gateway calls that failed after the single local retry",
			},
			[]string{"operation"},
		),
	}
}

func (m *Metrics) RecordTick(syncGroup string, elapsedSeconds float64, delayed bool) {
	m.TickDuration.WithLabelValues(syncGroup).Observe(elapsedSeconds)
	if delayed {
		m.TickDelayed.WithLabelValues(syncGroup).Inc()
	}
}

func (m *Metrics) SetTickNumber(syncGroup string, number int64) {
	m.TickNumber.WithLabelValues(syncGroup).Set(float64(number))
}

func (m *Metrics) RecordDiff(syncGroup, kind, op string, count int) {
	m.DiffEntries.WithLabelValues(syncGroup, kind, op).Add(float64(count))
}

func (m *Metrics) SetSessionsByState(state string, count int) {
	m.SessionsByState.WithLabelValues(state).Set(float64(count))
}

func (m *Metrics) RecordSessionClosed(outcome string) {
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetQueueDepth(syncGroup string, depth int) {
	m.QueueDepth.WithLabelValues(syncGroup).Set(float64(depth))
}

func (m *Metrics) RecordQueueDrop(syncGroup, kind string) {
	m.QueueDropped.WithLabelValues(syncGroup, kind).Inc()
}

func (m *Metrics) RecordQuery(agentID, outcome string, elapsedSeconds float64) {
	m.QueryDuration.WithLabelValues(agentID).Observe(elapsedSeconds)
	m.QueryTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStoreCall(operation string, elapsedSeconds float64, failed bool) {
	m.StoreCallDuration.WithLabelValues(operation).Observe(elapsedSeconds)
	if failed {
		m.StoreCallFailures.WithLabelValues(operation).Inc()
	}
}
