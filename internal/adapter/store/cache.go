package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nlm-vision/trake/internal/domain"
)

// RankingCache caches ranking responses in Redis keyed by a request digest.
type RankingCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRankingCache connects to Redis and returns a cache instance.
func NewRankingCache(addr string, ttl time.Duration) (*RankingCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RankingCache{client: client, ttl: ttl}, nil
}

// Get returns the cached results for the digest, or ok=false on a miss.
// Cache errors are reported but callers treat them as misses.
func (c *RankingCache) Get(ctx context.Context, digest string) ([]domain.RankedVideo, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(digest)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var results []domain.RankedVideo
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}
	return results, true, nil
}

// Set stores the results under the digest with the configured TTL.
func (c *RankingCache) Set(ctx context.Context, digest string, results []domain.RankedVideo) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(digest), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RankingCache) Close() error {
	return c.client.Close()
}

func cacheKey(digest string) string {
	return "trake:rank:" + digest
}
