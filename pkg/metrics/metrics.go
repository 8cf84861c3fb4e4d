// Package metrics exposes the Prometheus registry used by the fetcher.
// All collectors are defined in their respective packages (client, fetch,
// batch) via promauto and register with the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the fetcher.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics and /health on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - cve_requests_total{status} (Counter): requests by HTTP status or "network_error"
//   - cve_request_duration_seconds (Histogram): request duration including body read
//
// Retry Metrics (pkg/fetch):
//   - cve_retries_total (Counter): retries after a 429 response
//   - cve_retry_backoff_seconds (Histogram): backoff applied before each retry
//   - cve_retry_exhausted_total (Counter): lookups rate limited on every attempt
//   - cve_errors_total{class} (Counter): absent outcomes by class (network, rate_limit, client, server, parse)
//
// Batch Metrics (pkg/batch):
//   - cve_batch_inflight (Gauge): lookups currently executing
//   - cve_batch_outcomes_total{outcome} (Counter): completed lookups, outcome="found"|"absent"
//
// Example Prometheus Queries:
//
//   # Found ratio
//   sum(rate(cve_batch_outcomes_total{outcome="found"}[5m])) /
//   sum(rate(cve_batch_outcomes_total[5m]))
//
//   # Rate limit pressure
//   rate(cve_retries_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(cve_request_duration_seconds_bucket[5m]))
