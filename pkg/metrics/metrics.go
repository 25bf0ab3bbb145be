// Package metrics provides the Prometheus registry and HTTP handler shared
// by the cache and client packages. Metrics themselves are declared in the
// packages that record them, registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by requests-cacher.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects everything registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - requests_cacher_cache_hits_total{backend} (Counter): Lookups answered from the store
//   - requests_cacher_cache_misses_total{backend} (Counter): Lookups with no stored entry
//   - requests_cacher_cache_writes_total{backend} (Counter): Entries inserted
//   - requests_cacher_cache_errors_total{backend, operation} (Counter): Store failures
//
// Upstream Metrics (pkg/client):
//   - requests_cacher_upstream_requests_total{status} (Counter): GETs by HTTP status
//   - requests_cacher_upstream_request_duration_seconds (Histogram): GET latency
//   - requests_cacher_upstream_errors_total{class} (Counter): Failures by class (client, server, unexpected, network)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(requests_cacher_cache_hits_total[5m])) /
//   (sum(rate(requests_cacher_cache_hits_total[5m])) + sum(rate(requests_cacher_cache_misses_total[5m])))
//
//   # Upstream Error Rate
//   rate(requests_cacher_upstream_errors_total[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(requests_cacher_upstream_request_duration_seconds_bucket[5m]))
