// Package catalog caches the upstream gateway's model list in-process so
// GET /api/models does not make an outbound call on every request.
package catalog

import (
	"context"
	"sync"
	"time"

	"llmcouncil/internal/llm"
)

// Lister is the subset of llm.Client the catalog depends on.
type Lister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

// Cache serves llm.ModelInfo entries from the upstream gateway, refreshing
// at most once per TTL. A failed refresh keeps serving the last-known-good
// list rather than surfacing the error, since a stale catalog is far less
// disruptive than a broken one.
type Cache struct {
	gateway Lister
	ttl     time.Duration

	mu        sync.Mutex
	models    []llm.ModelInfo
	fetchedAt time.Time

	// Now is the clock used to evaluate TTL expiry; defaults to time.Now
	// and is overridden in tests.
	Now func() time.Time
}

// NewCache returns a Cache that refreshes from gateway at most once per ttl.
func NewCache(gateway Lister, ttl time.Duration) *Cache {
	return &Cache{gateway: gateway, ttl: ttl, Now: time.Now}
}

// List returns the cached model list, refreshing first if the TTL has
// elapsed or no successful fetch has happened yet.
func (c *Cache) List(ctx context.Context) ([]llm.ModelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.fetchedAt.IsZero() || now.Sub(c.fetchedAt) > c.ttl {
		fresh, err := c.gateway.ListModels(ctx)
		if err != nil {
			if c.models != nil {
				return c.models, nil
			}
			return nil, err
		}
		c.models = fresh
		c.fetchedAt = now
	}
	return c.models, nil
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
