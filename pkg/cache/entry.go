package cache

import (
	"fmt"
	"net/http"
	"time"
)

// Hash fields of a stored page.
const (
	fieldBody     = "body"
	fieldExpires  = "expires"
	fieldCachedAt = "cached_at"
)

// CacheEntry represents a cached search page.
type CacheEntry struct {
	// Data is the response body
	Data []byte

	// Expires is when the entry becomes stale
	Expires time.Time

	// CachedAt is when we cached this response
	CachedAt time.Time
}

// NewEntry builds an entry for body. The lifetime follows the Expires
// header, capped by maxTTL.
func NewEntry(body []byte, headers http.Header, maxTTL time.Duration) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Data:     body,
		Expires:  expiresAt(headers, now, maxTTL),
		CachedAt: now,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

func expiresAt(headers http.Header, now time.Time, maxTTL time.Duration) time.Time {
	limit := now.Add(maxTTL)

	raw := headers.Get("Expires")
	if raw == "" {
		return limit
	}
	expires, err := http.ParseTime(raw)
	if err != nil {
		return limit
	}
	if expires.Before(now) {
		return now
	}
	if expires.After(limit) {
		return limit
	}
	return expires
}

func (e *CacheEntry) fields() map[string]interface{} {
	return map[string]interface{}{
		fieldBody:     e.Data,
		fieldExpires:  e.Expires.UTC().Format(time.RFC3339Nano),
		fieldCachedAt: e.CachedAt.UTC().Format(time.RFC3339Nano),
	}
}

func entryFromFields(fields map[string]string) (*CacheEntry, error) {
	body, ok := fields[fieldBody]
	if !ok {
		return nil, fmt.Errorf("missing %s field", fieldBody)
	}
	expires, err := time.Parse(time.RFC3339Nano, fields[fieldExpires])
	if err != nil {
		return nil, fmt.Errorf("%s field: %w", fieldExpires, err)
	}
	entry := &CacheEntry{Data: []byte(body), Expires: expires}
	if raw, ok := fields[fieldCachedAt]; ok {
		if entry.CachedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("%s field: %w", fieldCachedAt, err)
		}
	}
	return entry, nil
}
