package booksearch

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/FutureMindsLab/bookflows/internal/util"
	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

const defaultCachePrefix = "bookflows:booksearch"

// RedisCache memoizes another Searcher's results in Redis. Cache errors are
// logged and bypassed so search keeps working when Redis is down.
type RedisCache struct {
	next   Searcher
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps next. A non-positive ttl defaults to one hour.
func NewRedisCache(next Searcher, client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{next: next, client: client, prefix: prefix, ttl: ttl}
}

// Search returns cached candidates or delegates and stores the result.
func (c *RedisCache) Search(ctx context.Context, query string, limit int) ([]domain.CandidateBook, error) {
	key := c.key(query, limit)
	logger := util.LoggerFromContext(ctx)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []domain.CandidateBook
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		logger.Warn("booksearch cache entry corrupt", "key", key)
	case !errors.Is(err, redis.Nil):
		logger.Warn("booksearch cache read failed", "err", err)
	}

	results, err := c.next.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return results, nil
	}
	payload, err := json.Marshal(results)
	if err != nil {
		return results, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		logger.Warn("booksearch cache write failed", "err", err)
	}
	return results, nil
}

func (c *RedisCache) key(query string, limit int) string {
	return c.prefix + ":" + strconv.Itoa(limit) + ":" + strings.ToLower(strings.TrimSpace(query))
}
