// File: internal/infra/metrics/metrics.go
package metrics

import (
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	webhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Inbound webhook deliveries per provider and receipt outcome (new/duplicate/rejected).",
		},
		[]string{"provider", "outcome"},
	)

	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_events_total",
			Help: "Inbound events reaching a state-machine outcome per provider.",
		},
		[]string{"provider", "status"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_deliveries_total",
			Help: "Outbound delivery attempts by result (success/retry/failed).",
		},
		[]string{"result"},
	)

	deliveryLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbound_delivery_latency_ms",
			Help:    "Outbound HTTP delivery latency distribution in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000},
		},
		[]string{"success"},
	)

	deadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Entries moved to the dead-letter sink by reason.",
		},
		[]string{"reason"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			webhooksReceived, eventsProcessed,
			deliveriesTotal, deliveryLatencyMs, deadLettersTotal,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// -------- Inbound helpers --------

func IncReceived(provider, outcome string) {
	webhooksReceived.WithLabelValues(norm(provider), norm(outcome)).Inc()
}

func IncProcessed(provider, status string) {
	eventsProcessed.WithLabelValues(norm(provider), norm(status)).Inc()
}

// -------- Outbound helpers --------

func ObserveDelivery(result string, latencyMs int, success bool) {
	deliveriesTotal.WithLabelValues(norm(result)).Inc()
	deliveryLatencyMs.WithLabelValues(strconv.FormatBool(success)).Observe(float64(latencyMs))
}

func IncDeadLetter(reason string) {
	deadLettersTotal.WithLabelValues(norm(reason)).Inc()
}
