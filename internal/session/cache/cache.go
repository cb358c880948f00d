// Package cache is a Redis read-through cache for session retention
// deadlines. The breadcrumb recorder looks the deadline up on every request,
// so the hot path must not hit Postgres each time. Every failure mode
// degrades to a miss; the caller falls back to its default window.
package cache

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tracelight/tracelight/internal/session/repository"
)

const maxEntryTTL = 10 * time.Minute

// RetentionCache resolves a session's retention deadline, caching hits in
// Redis. A nil client disables caching and reads go straight to the
// repository.
type RetentionCache struct {
	client *redis.Client
	repo   repository.Repository
}

// New returns a retention cache over the given Redis client and repository.
func New(client *redis.Client, repo repository.Repository) *RetentionCache {
	return &RetentionCache{client: client, repo: repo}
}

// Connect parses the Redis URL, opens a client, and verifies the connection.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// RetentionExpiry returns the session's retention deadline, or nil when the
// session does not exist. Cache entries carry a TTL capped well below the
// retention window itself so a deleted session ages out quickly.
func (c *RetentionCache) RetentionExpiry(ctx context.Context, sessionID string) (*time.Time, error) {
	key := "replay:retention:" + sessionID

	if c.client != nil {
		raw, err := c.client.Get(ctx, key).Result()
		if err == nil {
			ms, perr := strconv.ParseInt(raw, 10, 64)
			if perr == nil {
				t := time.UnixMilli(ms)
				return &t, nil
			}
		} else if err != redis.Nil {
			log.Printf("retention cache: get %s: %v", sessionID, err)
		}
	}

	expires, err := c.repo.GetRetentionExpiry(ctx, sessionID)
	if err != nil || expires == nil {
		return expires, err
	}

	if c.client != nil {
		ttl := time.Until(*expires)
		if ttl > maxEntryTTL {
			ttl = maxEntryTTL
		}
		if ttl > 0 {
			val := strconv.FormatInt(expires.UnixMilli(), 10)
			if err := c.client.Set(ctx, key, val, ttl).Err(); err != nil {
				log.Printf("retention cache: set %s: %v", sessionID, err)
			}
		}
	}
	return expires, nil
}
