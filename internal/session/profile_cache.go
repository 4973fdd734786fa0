// Package session keeps per-user session state in Redis so the scope engine
// resolves a profile once per sign-in instead of once per request.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"urbachamp/api/internal/scope"
)

type ProfileCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProfileCache(redisURL string, ttl time.Duration) (*ProfileCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &ProfileCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// NewProfileCacheWithClient is used by tests running against miniredis.
func NewProfileCacheWithClient(client *redis.Client, ttl time.Duration) *ProfileCache {
	return &ProfileCache{client: client, ttl: ttl}
}

type cachedProfile struct {
	Role   string   `json:"role"`
	Cities []string `json:"cities,omitempty"`
}

func key(userID string) string {
	return "profile:" + userID
}

func (c *ProfileCache) Get(ctx context.Context, userID string) (scope.Profile, bool, error) {
	raw, err := c.client.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return scope.Profile{}, false, nil
	}
	if err != nil {
		return scope.Profile{}, false, fmt.Errorf("cache get: %w", err)
	}
	var cached cachedProfile
	if err := json.Unmarshal(raw, &cached); err != nil {
		// A corrupt entry is treated as a miss and rewritten on Put.
		return scope.Profile{}, false, nil
	}
	return scope.Profile{Role: scope.Role(cached.Role), Cities: cached.Cities}, true, nil
}

func (c *ProfileCache) Put(ctx context.Context, userID string, profile scope.Profile) error {
	raw, err := json.Marshal(cachedProfile{Role: string(profile.Role), Cities: profile.Cities})
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, key(userID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *ProfileCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

func (c *ProfileCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *ProfileCache) Close() error {
	return c.client.Close()
}
