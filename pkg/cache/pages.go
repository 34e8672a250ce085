package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the maximum lifetime of a cached page unless configured.
const DefaultTTL = 5 * time.Minute

var (
	// ErrCacheMiss reports a page that is absent or no longer fresh.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry reports a stored page whose fields cannot be decoded.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// PageCache keeps raw search page bodies in Redis, one hash per page URL.
// Redis expires the hash; the stored expiry is checked again on read so a
// clock-skewed server never serves a stale page.
type PageCache struct {
	redis  *redis.Client
	maxTTL time.Duration
}

// NewPageCache returns a page cache on redisClient. A non-positive maxTTL
// selects DefaultTTL.
func NewPageCache(redisClient *redis.Client, maxTTL time.Duration) *PageCache {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if maxTTL <= 0 {
		maxTTL = DefaultTTL
	}
	return &PageCache{redis: redisClient, maxTTL: maxTTL}
}

// MaxTTL returns the upper bound on page lifetime.
func (p *PageCache) MaxTTL() time.Duration {
	return p.maxTTL
}

// GetPage returns the cached body of pageURL, or ErrCacheMiss.
func (p *PageCache) GetPage(ctx context.Context, pageURL string) ([]byte, error) {
	entry, err := p.Entry(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return entry.Data, nil
}

// Entry returns the cached page of pageURL together with its timestamps.
func (p *PageCache) Entry(ctx context.Context, pageURL string) (*CacheEntry, error) {
	key, err := KeyForURL(pageURL)
	if err != nil {
		return nil, err
	}

	fields, err := p.redis.HGetAll(ctx, key.String()).Result()
	if err != nil {
		PageLookups.WithLabelValues(lookupError).Inc()
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		PageLookups.WithLabelValues(lookupMiss).Inc()
		return nil, ErrCacheMiss
	}

	entry, err := entryFromFields(fields)
	if err != nil {
		PageLookups.WithLabelValues(lookupInvalid).Inc()
		_ = p.forget(ctx, key)
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntry, key, err)
	}
	if entry.IsExpired() {
		PageLookups.WithLabelValues(lookupExpired).Inc()
		_ = p.forget(ctx, key)
		return nil, ErrCacheMiss
	}

	PageLookups.WithLabelValues(lookupHit).Inc()
	return entry, nil
}

// SetPage stores body as the page of pageURL. The lifetime follows the
// response Expires header, capped by MaxTTL. A page that is already stale
// is not stored.
func (p *PageCache) SetPage(ctx context.Context, pageURL string, body []byte, header http.Header) error {
	key, err := KeyForURL(pageURL)
	if err != nil {
		return err
	}
	return p.store(ctx, key, NewEntry(body, header, p.maxTTL))
}

// ForgetPage drops the cached page of pageURL, if any.
func (p *PageCache) ForgetPage(ctx context.Context, pageURL string) error {
	key, err := KeyForURL(pageURL)
	if err != nil {
		return err
	}
	return p.forget(ctx, key)
}

func (p *PageCache) store(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	ttl := entry.TTL()
	if ttl <= 0 {
		PageWrites.WithLabelValues(writeSkipped).Inc()
		return nil
	}
	if ttl > p.maxTTL {
		ttl = p.maxTTL
	}

	k := key.String()
	_, err := p.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, entry.fields())
		pipe.PExpire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		PageWrites.WithLabelValues(writeError).Inc()
		return fmt.Errorf("redis store %s: %w", k, err)
	}

	PageWrites.WithLabelValues(writeStored).Inc()
	PageBytes.Observe(float64(len(entry.Data)))
	return nil
}

func (p *PageCache) forget(ctx context.Context, key CacheKey) error {
	if err := p.redis.Del(ctx, key.String()).Err(); err != nil {
		PageWrites.WithLabelValues(writeError).Inc()
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
