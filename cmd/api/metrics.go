package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric definitions for the voice gateway API

var (
	callsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vgw",
			Subsystem: "call",
			Name:      "initiated_total",
			Help:      "Total number of calls initiated",
		},
		[]string{"provider"},
	)

	callsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vgw",
			Subsystem: "call",
			Name:      "failed_total",
			Help:      "Total number of call initiations that failed",
		},
	)

	callsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vgw",
			Subsystem: "call",
			Name:      "ended_total",
			Help:      "Total number of calls reaching a terminal state",
		},
		[]string{"provider", "status"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vgw",
			Subsystem: "webhook",
			Name:      "events_processed_total",
			Help:      "Total number of webhook events applied to calls",
		},
		[]string{"provider", "event_type"},
	)

	eventsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vgw",
			Subsystem: "webhook",
			Name:      "events_duplicate_total",
			Help:      "Total number of deduplicated webhook deliveries",
		},
		[]string{"provider"},
	)

	providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vgw",
			Subsystem: "provider",
			Name:      "api_latency_seconds",
			Help:      "Telephony provider API latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"provider", "operation"},
	)
)

// prometheusCollector adapts the metric definitions to the call manager's
// MetricsCollector interface.
type prometheusCollector struct{}

func (prometheusCollector) RecordCallInitiated(_ context.Context, provider string) {
	callsInitiated.WithLabelValues(provider).Inc()
}

func (prometheusCollector) RecordCallFailed(_ context.Context, _ string) {
	callsFailed.Inc()
}

func (prometheusCollector) RecordEventProcessed(_ context.Context, provider, eventType string) {
	eventsProcessed.WithLabelValues(provider, eventType).Inc()
}

func (prometheusCollector) RecordDuplicateEvent(_ context.Context, provider string) {
	eventsDuplicate.WithLabelValues(provider).Inc()
}

func (prometheusCollector) RecordCallEnded(_ context.Context, provider, status string) {
	callsEnded.WithLabelValues(provider, status).Inc()
}

func (prometheusCollector) RecordProviderLatency(_ context.Context, provider, operation string, latency time.Duration) {
	providerLatency.WithLabelValues(provider, operation).Observe(latency.Seconds())
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
