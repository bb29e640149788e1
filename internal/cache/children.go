// Package cache provides a Redis-backed cache for child listing pages.
// The cache is best effort: any Redis failure falls through to the store,
// and entries expire on a short TTL so invalidation misses self-heal.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/IsakPar/arqivo-sub000/internal/graph"
)

type cachedLabel struct {
	ID        uuid.UUID    `json:"id"`
	Name      graph.Cipher `json:"name"`
	SlugToken string       `json:"slug_token"`
}

// ChildrenCache stores serialized children pages keyed by tenant, node and
// page position.
type ChildrenCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and returns a cache with the given entry TTL.
func New(redisURL string, ttl time.Duration) (*ChildrenCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient creates a cache from an existing Redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *ChildrenCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ChildrenCache{client: client, ttl: ttl}
}

func pageKey(tenant, node, after uuid.UUID, limit int) string {
	return fmt.Sprintf("children:%s:%s:%s:%d", tenant, node, after, limit)
}

// nodePattern matches every cached page under one node, any position.
func nodePattern(tenant, node uuid.UUID) string {
	return fmt.Sprintf("children:%s:%s:*", tenant, node)
}

// Get returns the cached page and whether it was present. Errors are
// reported as a miss.
func (c *ChildrenCache) Get(ctx context.Context, tenant, node, after uuid.UUID, limit int) ([]graph.Label, bool) {
	raw, err := c.client.Get(ctx, pageKey(tenant, node, after, limit)).Result()
	if err != nil {
		return nil, false
	}

	var cached []cachedLabel
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, false
	}

	labels := make([]graph.Label, len(cached))
	for i, item := range cached {
		labels[i] = graph.Label{ID: item.ID, Name: item.Name, SlugToken: item.SlugToken}
	}
	return labels, true
}

// Set stores a page with the cache TTL. Failures are swallowed.
func (c *ChildrenCache) Set(ctx context.Context, tenant, node, after uuid.UUID, limit int, labels []graph.Label) {
	cached := make([]cachedLabel, len(labels))
	for i, label := range labels {
		cached[i] = cachedLabel{ID: label.ID, Name: label.Name, SlugToken: label.SlugToken}
	}

	raw, err := json.Marshal(cached)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, pageKey(tenant, node, after, limit), raw, c.ttl).Err()
}

// Invalidate drops every cached page under each of the given nodes.
// Failures are swallowed; stale pages age out on the TTL.
func (c *ChildrenCache) Invalidate(ctx context.Context, tenant uuid.UUID, nodes ...uuid.UUID) {
	for _, node := range nodes {
		iter := c.client.Scan(ctx, 0, nodePattern(tenant, node), 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if iter.Err() != nil {
			continue
		}
		if len(keys) > 0 {
			_ = c.client.Del(ctx, keys...).Err()
		}
	}
}

// Ping checks if Redis is reachable.
func (c *ChildrenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *ChildrenCache) Close() error {
	return c.client.Close()
}
