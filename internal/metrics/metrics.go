// Package metrics provides Prometheus collectors for the orchestration
// core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors. A nil *Metrics is valid and records
// nothing, so components never need to nil-check.
type Metrics struct {
	IndexUpsertsTotal    *prometheus.CounterVec
	IndexUpsertErrors    *prometheus.CounterVec
	ExecutionsStarted    prometheus.Counter
	MessagesConsumed     prometheus.Counter
	BroadcastsTotal      *prometheus.CounterVec
	SweptRecordsTotal    *prometheus.CounterVec
	SweepFailuresTotal   *prometheus.CounterVec
	SearchQueriesTotal   prometheus.Counter
}

// New creates and registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IndexUpsertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlink_index_upserts_total",
			Help: "Total number of index document upserts",
		}, []string{"type"}),
		IndexUpsertErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlink_index_upsert_errors_total",
			Help: "Total number of failed index upserts",
		}, []string{"type"}),
		ExecutionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "downlink_executions_started_total",
			Help: "Total number of workflow executions started by the dispatcher",
		}),
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "downlink_queue_messages_consumed_total",
			Help: "Total number of start-queue messages consumed",
		}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlink_broadcasts_total",
			Help: "Total number of workflow event broadcasts",
		}, []string{"phase", "status"}),
		SweptRecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlink_reaper_swept_records_total",
			Help: "Total number of stale records marked failed by the reaper",
		}, []string{"type"}),
		SweepFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downlink_reaper_sweep_failures_total",
			Help: "Total number of reaper sweep items that failed",
		}, []string{"type"}),
		SearchQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "downlink_search_queries_total",
			Help: "Total number of search queries served",
		}),
	}
	reg.MustRegister(
		m.IndexUpsertsTotal,
		m.IndexUpsertErrors,
		m.ExecutionsStarted,
		m.MessagesConsumed,
		m.BroadcastsTotal,
		m.SweptRecordsTotal,
		m.SweepFailuresTotal,
		m.SearchQueriesTotal,
	)
	return m
}

// RecordUpsert counts one index upsert attempt.
func (m *Metrics) RecordUpsert(typ string, err error) {
	if m == nil {
		return
	}
	m.IndexUpsertsTotal.WithLabelValues(typ).Inc()
	if err != nil {
		m.IndexUpsertErrors.WithLabelValues(typ).Inc()
	}
}

// RecordExecutionStart counts one started execution.
func (m *Metrics) RecordExecutionStart() {
	if m == nil {
		return
	}
	m.ExecutionsStarted.Inc()
}

// RecordMessageConsumed counts one consumed queue message.
func (m *Metrics) RecordMessageConsumed() {
	if m == nil {
		return
	}
	m.MessagesConsumed.Inc()
}

// RecordBroadcast counts one event broadcast.
func (m *Metrics) RecordBroadcast(phase, status string) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues(phase, status).Inc()
}

// RecordSweep counts one reaped record, or one sweep item failure.
func (m *Metrics) RecordSweep(typ string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SweepFailuresTotal.WithLabelValues(typ).Inc()
		return
	}
	m.SweptRecordsTotal.WithLabelValues(typ).Inc()
}

// RecordSearch counts one served search query.
func (m *Metrics) RecordSearch() {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.Inc()
}
