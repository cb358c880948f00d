// Package features holds the runtime-togglable feature flags. The admin API
// can flip them without a restart; when Redis is configured the state is
// shared across instances, otherwise it is process-local.
package features

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisKey = "cfg:replay:features"

// Flags are the toggles in effect.
type Flags struct {
	StoreUserEmail bool `json:"storeUserEmail"`
}

// Store resolves and updates the flags. A nil Redis client keeps everything
// in memory.
type Store struct {
	client *redis.Client

	mu    sync.RWMutex
	flags Flags
}

// NewStore returns a store seeded with defaults. Redis, when present, is the
// source of truth; the seeded value covers a cold key.
func NewStore(client *redis.Client, defaults Flags) *Store {
	return &Store{client: client, flags: defaults}
}

// Get returns the flags in effect. Redis failures degrade to the last known
// local value.
func (s *Store) Get(ctx context.Context) Flags {
	if s.client != nil {
		raw, err := s.client.Get(ctx, redisKey).Result()
		switch {
		case err == nil:
			var f Flags
			if jsonErr := json.Unmarshal([]byte(raw), &f); jsonErr == nil {
				s.mu.Lock()
				s.flags = f
				s.mu.Unlock()
				return f
			}
		case err != redis.Nil:
			log.Printf("features: redis read failed: %v", err)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// Set replaces the flags. The local copy updates even when the Redis write
// fails, so a degraded instance still honors the toggle it was given.
func (s *Store) Set(ctx context.Context, f Flags) error {
	s.mu.Lock()
	s.flags = f
	s.mu.Unlock()

	if s.client != nil {
		raw, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode features: %w", err)
		}
		if err := s.client.Set(ctx, redisKey, raw, 0).Err(); err != nil {
			return fmt.Errorf("persist features: %w", err)
		}
	}
	return nil
}

// StoreUserEmail reports whether session rows may carry the user's email.
func (s *Store) StoreUserEmail(ctx context.Context) bool {
	return s.Get(ctx).StoreUserEmail
}
