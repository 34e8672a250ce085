package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix starts every key written by this package.
const KeyPrefix = "hrsi"

// CacheKey identifies one cached search page.
type CacheKey struct {
	// Endpoint is the host and path of the search endpoint
	// (e.g., "cryo.land.copernicus.eu/resto/api/collections/HRSI/search.json")
	Endpoint string

	// QueryParams are the request parameters, page index included.
	QueryParams url.Values
}

// KeyForURL builds the key of a page URL.
func KeyForURL(rawURL string) (CacheKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CacheKey{}, fmt.Errorf("parse cache url: %w", err)
	}
	return CacheKey{
		Endpoint:    u.Host + u.Path,
		QueryParams: u.Query(),
	}, nil
}

// String generates a deterministic cache key string.
// Format: hrsi:endpoint:param1=val1:param2=val2a,val2b
//
// Example:
//
//	hrsi:cryo.land.copernicus.eu/resto/api/collections/HRSI/search.json:page=2:productType=FSC
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
		}
	}

	return strings.Join(parts, ":")
}
