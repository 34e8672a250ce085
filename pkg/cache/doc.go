// Package cache provides a Redis-backed cache for catalogue search pages.
//
// Search pages are cached as raw response bodies so that repeated runs of
// the same query (for example a query run followed by a query-and-download
// run) do not hit the catalogue again within a short window. Download
// traffic is never cached.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	pages := cache.NewPageCache(redisClient, 5*time.Minute)
//
//	body, err := pages.GetPage(ctx, pageURL)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch the page from the catalogue, then
//		_ = pages.SetPage(ctx, pageURL, body, resp.Header)
//	}
//
// Each page is a Redis hash (body, expires, cached_at) under the key built by
// KeyForURL, so the same parameters in any order share one entry.
//
// # Expiry
//
// The entry lifetime is the response Expires header when present, capped by
// the cache's maximum TTL. A response without Expires lives for the
// maximum TTL.
//
// # Metrics
//
//   - hrsi_cache_page_lookups_total{result} - hit, miss, expired, invalid, error
//   - hrsi_cache_page_writes_total{result} - stored, skipped, error
//   - hrsi_cache_page_bytes - Size of stored page bodies
package cache
