package store

import (
	"context"
	"fmt"

	"giftlock/internal/gift"

	lru "github.com/hashicorp/golang-lru"
)

var _ Store = (*Cached)(nil)

// Cached serves reads of resolved gifts from memory. Terminal records
// never change again, so only those are cached and no invalidation
// across processes is needed.
type Cached struct {
	Store
	cache *lru.Cache
}

func NewCached(inner Store, size int) (*Cached, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("gift cache: %w", err)
	}
	return &Cached{Store: inner, cache: c}, nil
}

func (c *Cached) Get(ctx context.Context, id int64) (gift.Gift, error) {
	if v, ok := c.cache.Get(id); ok {
		return v.(gift.Gift).Clone(), nil
	}
	g, err := c.Store.Get(ctx, id)
	if err != nil {
		return g, err
	}
	c.remember(g)
	return g, nil
}

func (c *Cached) Transition(ctx context.Context, t Transition) (gift.Gift, error) {
	g, err := c.Store.Transition(ctx, t)
	if err == nil {
		c.remember(g)
	}
	return g, err
}

// Len reports how many resolved gifts are cached.
func (c *Cached) Len() int {
	return c.cache.Len()
}

func (c *Cached) remember(g gift.Gift) {
	if g.State.Terminal() {
		c.cache.Add(g.ID, g.Clone())
	}
}
