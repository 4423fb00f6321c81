package sampleprovider

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "anvil:sample:"

// CachedProxy wraps a Provider with a Redis TTL cache, invalidated on
// external update notification (§4.2's "Cached proxy" adapter). It mirrors
// the Redis-hot-path-then-fallback shape used elsewhere in the stack for
// dedup lookups.
type CachedProxy struct {
	inner  Provider
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedProxy wraps inner (Direct or Remote) with a TTL cache.
func NewCachedProxy(inner Provider, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedProxy {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedProxy{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (c *CachedProxy) Fetch(ctx context.Context, id string) (DTO, error) {
	key := redisKey(id)
	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var dto DTO
		if jsonErr := json.Unmarshal([]byte(raw), &dto); jsonErr == nil {
			return dto, nil
		}
		c.logger.Warn("invalid cached sample payload", "key", key)
	} else if err != redis.Nil {
		c.logger.Warn("redis sample cache lookup failed, falling back", "error", err)
	}

	dto, err := c.inner.Fetch(ctx, id)
	if err != nil {
		return DTO{}, err
	}
	c.set(ctx, id, dto)
	return dto, nil
}

func (c *CachedProxy) FetchBatch(ctx context.Context, ids []string) (map[string]DTO, error) {
	out := make(map[string]DTO, len(ids))
	var misses []string
	for _, id := range ids {
		raw, err := c.rdb.Get(ctx, redisKey(id)).Result()
		if err != nil {
			misses = append(misses, id)
			continue
		}
		var dto DTO
		if json.Unmarshal([]byte(raw), &dto) != nil {
			misses = append(misses, id)
			continue
		}
		out[id] = dto
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := c.inner.FetchBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for id, dto := range fetched {
		out[id] = dto
		c.set(ctx, id, dto)
	}
	return out, nil
}

// Invalidate drops a cached entry, the hook an external update
// notification calls (§4.2).
func (c *CachedProxy) Invalidate(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, redisKey(id)).Err(); err != nil {
		c.logger.Warn("failed to invalidate sample cache entry", "error", err, "id", id)
	}
}

func (c *CachedProxy) set(ctx context.Context, id string, dto DTO) {
	raw, err := json.Marshal(dto)
	if err != nil {
		c.logger.Warn("failed to marshal sample for caching", "error", err, "id", id)
		return
	}
	if err := c.rdb.Set(ctx, redisKey(id), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("failed to set sample cache entry", "error", err, "id", id)
	}
}
