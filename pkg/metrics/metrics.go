// Package metrics documents the Prometheus metrics of the HR-S&I client and
// pushes them to a Pushgateway at the end of a run.
// All metrics are defined in their respective packages (client, cache,
// pagination, download) to maintain modularity and avoid circular
// dependencies.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is what Push collects from.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Push sends every gathered metric to the Pushgateway at url under job,
// grouped by run id when one is given. It replaces the group's previous
// metrics.
func Push(ctx context.Context, url, job, runID string) error {
	if url == "" {
		return fmt.Errorf("pushgateway url is required")
	}
	if job == "" {
		return fmt.Errorf("pushgateway job is required")
	}

	pusher := push.New(url, job).Gatherer(Gatherer)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - hrsi_requests_total{endpoint, status} (Counter): Requests by endpoint (search, token, head, transfer) and HTTP status
//   - hrsi_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - hrsi_errors_total{class} (Counter): Errors by class (client, auth, server, network)
//
// Retry Metrics (pkg/client):
//   - hrsi_retries_total{operation} (Counter): Retry attempts by operation (search, download)
//   - hrsi_retry_backoff_seconds{operation} (Histogram): Backoff duration by operation
//   - hrsi_retry_exhausted_total{operation} (Counter): Operations that exhausted their retries
//
// Search Metrics (pkg/pagination):
//   - hrsi_search_pages_total (Counter): Search pages fetched
//   - hrsi_search_products_total (Counter): Distinct products listed
//   - hrsi_search_duplicates_total (Counter): Duplicate products collapsed
//
// Download Metrics (pkg/download):
//   - hrsi_downloads_total{result} (Counter): Downloads by result (completed, failed, skipped)
//   - hrsi_download_bytes_total (Counter): Archive bytes written
//   - hrsi_download_duration_seconds (Histogram): Per-product download wall time
//
// Cache Metrics (pkg/cache):
//   - hrsi_cache_page_lookups_total{result} (Counter): Page reads (hit, miss, expired, invalid, error)
//   - hrsi_cache_page_writes_total{result} (Counter): Page writes (stored, skipped, error)
//   - hrsi_cache_page_bytes (Histogram): Size of stored page bodies
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(hrsi_cache_page_lookups_total{result="hit"}[1h])) /
//   sum(rate(hrsi_cache_page_lookups_total[1h]))
//
//   # Failed downloads per run
//   hrsi_downloads_total{result="failed"}
//
//   # P95 download time
//   histogram_quantile(0.95, rate(hrsi_download_duration_seconds_bucket[1d]))
