// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebhookEventsTotal counts inbound webhook events by ingress outcome.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook events by outcome",
		},
		[]string{"outcome"},
	)

	// IdempotencyFailOpenTotal counts checks that passed because the ephemeral store was unreachable.
	IdempotencyFailOpenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_fail_open_total",
			Help: "Idempotency checks that failed open",
		},
	)

	// TasksTotal counts worker tasks by terminal state.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_tasks_total",
			Help: "Worker tasks by final state",
		},
		[]string{"state"},
	)

	// TaskDuration tracks worker task duration.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_task_duration_seconds",
			Help:    "Worker task duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"state"},
	)

	// LLMRequestDuration tracks reasoning service call duration.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Reasoning service request duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// ToolCallsTotal counts tool invocations requested by the reasoning service.
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tool_calls_total",
			Help: "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)

	// DeliveriesTotal counts outbound delivery attempts by classified outcome.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_deliveries_total",
			Help: "Outbound message deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// ReservationsTotal counts reservation attempts by result.
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_reservations_total",
			Help: "Inventory reservation attempts by result",
		},
		[]string{"result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMCall records metrics for one reasoning service call.
func RecordLLMCall(provider, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordTask records the final state of a worker task.
func RecordTask(state string, duration float64) {
	TasksTotal.WithLabelValues(state).Inc()
	TaskDuration.WithLabelValues(state).Observe(duration)
}
