// Package metrics provides Prometheus metrics for the bridge service and the
// generation client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts graph submissions by outcome.
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comfybridge",
			Subsystem: "client",
			Name:      "submissions_total",
			Help:      "Total number of graph submissions",
		},
		[]string{"outcome"}, // "ok" or "error"
	)

	// StreamEventsTotal counts decoded execution stream events by type.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comfybridge",
			Subsystem: "client",
			Name:      "stream_events_total",
			Help:      "Total number of execution stream events decoded",
		},
		[]string{"type"},
	)

	// TransportErrorsTotal counts failed request/response calls by operation.
	TransportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comfybridge",
			Subsystem: "client",
			Name:      "transport_errors_total",
			Help:      "Total number of failed transport calls",
		},
		[]string{"op"},
	)

	// GenerationDuration tracks submit-to-terminal latency in seconds.
	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "comfybridge",
			Subsystem: "client",
			Name:      "generation_duration_seconds",
			Help:      "Time from submission to terminal stream event",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// HTTPRequestsTotal counts bridge HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comfybridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks bridge request latency by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comfybridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
