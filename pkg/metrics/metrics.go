// Package metrics exposes the Prometheus metrics of the Airtable client.
// Metrics are defined with promauto in the packages that update them
// (client, pagination via client, ratelimit); this package serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all client metrics are created on.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the matching gatherer used by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metric names, grouped by emitting package.
const (
	// pkg/client
	RequestsTotal          = "airtable_requests_total"           // {method, status}
	RequestDurationSeconds = "airtable_request_duration_seconds" // {method}
	ErrorsTotal            = "airtable_errors_total"             // {class}
	QueryPages             = "airtable_query_pages"
	QueryRecordsTotal      = "airtable_query_records_total"
	RetriesTotal           = "airtable_retries_total"          // {error_class}
	RetryBackoffSeconds    = "airtable_retry_backoff_seconds"  // {error_class}
	RetryExhaustedTotal    = "airtable_retry_exhausted_total"  // {error_class}

	// pkg/ratelimit
	PacerWaitSeconds        = "airtable_pacer_wait_seconds"
	RateLimitPenaltiesTotal = "airtable_rate_limit_penalties_total"
	PenaltyBlocksTotal      = "airtable_penalty_blocks_total"
)

// Example queries:
//
//	# Error rate by class
//	sum by (class) (rate(airtable_errors_total[5m]))
//
//	# P95 request latency
//	histogram_quantile(0.95, rate(airtable_request_duration_seconds_bucket[5m]))
//
//	# Average pages per query
//	rate(airtable_query_pages_sum[5m]) / rate(airtable_query_pages_count[5m])
//
//	# Requests refused during a 429 penalty
//	rate(airtable_penalty_blocks_total[5m])
