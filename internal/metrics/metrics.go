// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approver_decisions_total",
			Help: "Decision events by source, verdict, and resolution",
		},
		[]string{"source", "verdict", "outcome"},
	)

	pollCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "approver_poll_cycles_total",
			Help: "Completed mailbox poll cycles",
		},
	)

	pollErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "approver_poll_errors_total",
			Help: "Mailbox poll cycles that failed to fetch",
		},
	)

	repliesDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approver_replies_discarded_total",
			Help: "Mailbox replies discarded without producing a decision",
		},
		[]string{"reason"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approver_sends_total",
			Help: "Dispatch attempts by result",
		},
		[]string{"result"},
	)
)

// RecordDecision records a decision event resolution.
func RecordDecision(source, verdict, outcome string) {
	decisionsTotal.WithLabelValues(source, verdict, outcome).Inc()
}

// RecordPollCycle records a completed poll cycle.
func RecordPollCycle() {
	pollCyclesTotal.Inc()
}

// RecordPollError records a failed mailbox fetch.
func RecordPollError() {
	pollErrorsTotal.Inc()
}

// RecordDiscardedReply records a reply dropped before coordination.
func RecordDiscardedReply(reason string) {
	repliesDiscardedTotal.WithLabelValues(reason).Inc()
}

// RecordSend records a dispatch attempt outcome ("success" or "failure").
func RecordSend(result string) {
	sendsTotal.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
