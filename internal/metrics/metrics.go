package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles the service's Prometheus collectors. A nil *Set is a
// valid no-op recorder so wiring stays optional in tests.
type Set struct {
	providerRequests  *prometheus.CounterVec
	providerFailovers prometheus.Counter
	cacheReads        *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// New registers the collectors on reg and returns the set.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		providerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "market_data_provider_requests_total",
			Help: "Provider requests by provider, operation and outcome.",
		}, []string{"provider", "operation", "status"}),
		providerFailovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "market_data_provider_failovers_total",
			Help: "Requests that needed at least one failover.",
		}),
		cacheReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "market_data_cache_reads_total",
			Help: "Cache read outcomes by operation.",
		}, []string{"operation", "result"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_data_request_duration_seconds",
			Help:    "End-to-end orchestration latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// RecordRequest counts one provider request outcome.
func (s *Set) RecordRequest(provider, operation, status string) {
	if s == nil {
		return
	}
	s.providerRequests.WithLabelValues(provider, operation, status).Inc()
}

// RecordFailovers counts the failovers spent on one request.
func (s *Set) RecordFailovers(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.providerFailovers.Add(float64(n))
}

// RecordCacheRead counts a cache hit or miss for an operation.
func (s *Set) RecordCacheRead(operation string, hit bool) {
	if s == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	s.cacheReads.WithLabelValues(operation, result).Inc()
}

// RecordDuration observes one request's end-to-end latency.
func (s *Set) RecordDuration(operation string, d time.Duration) {
	if s == nil {
		return
	}
	s.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}
