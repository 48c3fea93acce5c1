package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"giftlock/internal/codehash"
	"giftlock/internal/gift"
)

var _ Store = (*Memory)(nil)

// Memory keeps gifts in an arena indexed by id-1. Nothing survives a
// restart; it serves tests and development mode.
type Memory struct {
	mu     sync.RWMutex
	gifts  []gift.Gift
	closed bool
}

func NewMemory() *Memory {
	return &Memory{}
}

var errClosed = errors.New("store is closed")

func (m *Memory) Create(ctx context.Context, g gift.Gift) (gift.Gift, error) {
	if err := ctx.Err(); err != nil {
		return gift.Gift{}, err
	}
	if err := g.Validate(); err != nil {
		return gift.Gift{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return gift.Gift{}, errClosed
	}

	g = g.Clone()
	g.ID = int64(len(m.gifts)) + 1
	m.gifts = append(m.gifts, g)
	return g.Clone(), nil
}

func (m *Memory) Get(ctx context.Context, id int64) (gift.Gift, error) {
	if err := ctx.Err(); err != nil {
		return gift.Gift{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return gift.Gift{}, errClosed
	}
	g, ok := m.lookup(id)
	if !ok {
		return gift.Gift{}, gift.ErrNotFound
	}
	return g.Clone(), nil
}

func (m *Memory) Transition(ctx context.Context, t Transition) (gift.Gift, error) {
	if err := ctx.Err(); err != nil {
		return gift.Gift{}, err
	}
	if err := t.validate(); err != nil {
		return gift.Gift{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return gift.Gift{}, errClosed
	}
	g, ok := m.lookup(t.ID)
	if !ok {
		return gift.Gift{}, gift.ErrNotFound
	}
	if g.State != t.From {
		return g.Clone(), conflict(g, t.From)
	}
	t.apply(&m.gifts[t.ID-1])
	return m.gifts[t.ID-1].Clone(), nil
}

func (m *Memory) ListExpired(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	var ids []int64
	start := afterID
	if start < 0 {
		start = 0
	}
	for i := start; i < int64(len(m.gifts)); i++ {
		g := m.gifts[i]
		if g.State == gift.Locked && !g.Expiry.After(cutoff) {
			ids = append(ids, g.ID)
			if limit > 0 && len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func (m *Memory) ListInFlight(ctx context.Context, afterID int64, limit int) ([]gift.Gift, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	var out []gift.Gift
	for i := max(afterID, 0); i < int64(len(m.gifts)); i++ {
		if g := m.gifts[i]; g.State.InFlight() {
			out = append(out, g.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) SetTransferRef(ctx context.Context, id int64, state gift.State, ref string) (gift.Gift, error) {
	if err := ctx.Err(); err != nil {
		return gift.Gift{}, err
	}
	if err := validateRef(state, ref); err != nil {
		return gift.Gift{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return gift.Gift{}, errClosed
	}
	g, ok := m.lookup(id)
	if !ok {
		return gift.Gift{}, gift.ErrNotFound
	}
	if g.State != state {
		return g.Clone(), conflict(g, state)
	}
	m.gifts[id-1].TransferRef = ref
	return m.gifts[id-1].Clone(), nil
}

func (m *Memory) ListByCodeHash(ctx context.Context, hash codehash.Digest) ([]gift.Gift, error) {
	return m.filter(ctx, func(g gift.Gift) bool { return g.CodeHash == hash })
}

func (m *Memory) ListByCreator(ctx context.Context, creator string) ([]gift.Gift, error) {
	return m.filter(ctx, func(g gift.Gift) bool { return g.Creator == creator })
}

func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) lookup(id int64) (gift.Gift, bool) {
	if id <= 0 || id > int64(len(m.gifts)) {
		return gift.Gift{}, false
	}
	return m.gifts[id-1], true
}

func (m *Memory) filter(ctx context.Context, keep func(gift.Gift) bool) ([]gift.Gift, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	var out []gift.Gift
	for _, g := range m.gifts {
		if keep(g) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
