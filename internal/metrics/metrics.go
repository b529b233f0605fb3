// Package metrics declares the engine's prometheus collectors. They register
// with the default registry on package load and are served by the API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RawIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_raw_ingested_total",
		Help: "RawData records accepted for ingestion by collection method",
	}, []string{"method"})

	Observations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_observations_total",
		Help: "Observations extracted by type",
	}, []string{"type"})

	ExtractionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_extraction_errors_total",
		Help: "Matcher failures and cap overflows by matcher",
	}, []string{"matcher"})

	Contradictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intel_contradictions_detected_total",
		Help: "Contradicts relationships created",
	})

	BusOverflow = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_bus_overflow_total",
		Help: "Events dropped from full subscriber queues by topic",
	}, []string{"topic"})

	StorageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_storage_retries_total",
		Help: "Retried storage operations by operation",
	}, []string{"op"})

	StorageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_storage_failures_total",
		Help: "Storage operations that exhausted their retries",
	}, []string{"op"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intel_job_duration_seconds",
		Help:    "Ingestion job duration by final status",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"status"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intel_cache_lookups_total",
		Help: "Storage cache lookups by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
