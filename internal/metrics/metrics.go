// Package metrics holds the Prometheus collectors for the messaging pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	flagsDetected      *prometheus.CounterVec
	messagesBlocked    prometheus.Counter
	messagesAccepted   prometheus.Counter
	rateLimitDecisions *prometheus.CounterVec
	auditWriteFailures prometheus.Counter
	purgeRuns          *prometheus.CounterVec
	purgedRecords      *prometheus.CounterVec
	realtimeSubs       prometheus.Gauge
}

// New registers every collector on reg. Passing prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		flagsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentorly_content_flags_total",
			Help: "Content flags raised on inbound messages, by flag type.",
		}, []string{"type"}),
		messagesBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentorly_messages_blocked_total",
			Help: "Messages rejected before persistence by the content policy.",
		}),
		messagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentorly_messages_accepted_total",
			Help: "Messages persisted.",
		}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentorly_rate_limit_decisions_total",
			Help: "Rate limiter outcomes by action and outcome (allowed, denied, error).",
		}, []string{"action", "outcome"}),
		auditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentorly_moderation_audit_write_failures_total",
			Help: "Moderation audit records that could not be written.",
		}),
		purgeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentorly_purge_runs_total",
			Help: "Purge runs by trigger and result.",
		}, []string{"trigger", "result"}),
		purgedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentorly_purged_records_total",
			Help: "Records affected by purge runs.",
		}, []string{"kind"}),
		realtimeSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mentorly_realtime_subscribers",
			Help: "Open realtime thread subscriptions.",
		}),
	}
	reg.MustRegister(
		m.flagsDetected,
		m.messagesBlocked,
		m.messagesAccepted,
		m.rateLimitDecisions,
		m.auditWriteFailures,
		m.purgeRuns,
		m.purgedRecords,
		m.realtimeSubs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FlagDetected(flagType string) {
	if m == nil {
		return
	}
	m.flagsDetected.WithLabelValues(flagType).Inc()
}

func (m *Metrics) MessageBlocked() {
	if m == nil {
		return
	}
	m.messagesBlocked.Inc()
}

func (m *Metrics) MessageAccepted() {
	if m == nil {
		return
	}
	m.messagesAccepted.Inc()
}

func (m *Metrics) RateLimitDecision(action, outcome string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.auditWriteFailures.Inc()
}

func (m *Metrics) PurgeRun(trigger, result string, redactedMessages, deletedReports int64) {
	if m == nil {
		return
	}
	m.purgeRuns.WithLabelValues(trigger, result).Inc()
	m.purgedRecords.WithLabelValues("messages").Add(float64(redactedMessages))
	m.purgedRecords.WithLabelValues("reports").Add(float64(deletedReports))
}

func (m *Metrics) SubscriberOpened() {
	if m == nil {
		return
	}
	m.realtimeSubs.Inc()
}

func (m *Metrics) SubscriberClosed() {
	if m == nil {
		return
	}
	m.realtimeSubs.Dec()
}
