package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"giftlock/internal/gift"
)

// Status is the public view of a gift. In-flight releases are reported as
// Locked until they settle; TransferPending marks one whose transfer is
// waiting for confirmation.
type Status struct {
	ID         int64      `json:"id"`
	State      gift.State `json:"state"`
	Claimed    bool       `json:"claimed"`
	Refunded   bool       `json:"refunded"`
	Expired    bool       `json:"expired"`
	Expiry     time.Time  `json:"expiry"`
	Asset      gift.Asset `json:"asset"`
	Quantity   *big.Int   `json:"quantity"`
	Note       string     `json:"note,omitempty"`
	Creator    string     `json:"creator"`
	Claimant   string     `json:"claimant,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	TransferPending bool `json:"transferPending,omitempty"`
}

func (l *Ledger) statusOf(g gift.Gift, now time.Time) Status {
	s := Status{
		ID:        g.ID,
		State:     g.State.Visible(),
		Expired:   g.Expired(now),
		Expiry:    g.Expiry,
		Asset:     g.Asset,
		Quantity:  new(big.Int).Set(g.Quantity),
		Note:      g.Note,
		Creator:   g.Creator,
		CreatedAt: g.CreatedAt,

		TransferPending: g.State.InFlight() && g.TransferRef != "",
	}
	switch s.State {
	case gift.Claimed:
		s.Claimed = true
		s.Claimant = g.Claimant
	case gift.Refunded:
		s.Refunded = true
	}
	if s.State.Terminal() && !g.ResolvedAt.IsZero() {
		at := g.ResolvedAt
		s.ResolvedAt = &at
	}
	return s
}

// Status reads a gift without taking its lock, so the answer may be a
// Locked state that a concurrent claim is about to change.
func (l *Ledger) Status(ctx context.Context, id int64) (Status, error) {
	g, err := l.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return l.statusOf(g, l.clock.Now()), nil
}

// GiftsForCode lists the gifts committed to code, which is how a holder of
// a code finds the ids it unlocks.
func (l *Ledger) GiftsForCode(ctx context.Context, code string) ([]Status, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", gift.ErrInvalidInput)
	}
	gifts, err := l.store.ListByCodeHash(ctx, l.verifier.Hash(code))
	if err != nil {
		return nil, err
	}
	return l.statuses(gifts), nil
}

func (l *Ledger) GiftsByCreator(ctx context.Context, creator string) ([]Status, error) {
	if creator == "" {
		return nil, fmt.Errorf("%w: creator is required", gift.ErrInvalidInput)
	}
	gifts, err := l.store.ListByCreator(ctx, creator)
	if err != nil {
		return nil, err
	}
	return l.statuses(gifts), nil
}

func (l *Ledger) statuses(gifts []gift.Gift) []Status {
	now := l.clock.Now()
	out := make([]Status, 0, len(gifts))
	for _, g := range gifts {
		out = append(out, l.statusOf(g, now))
	}
	return out
}

// ExpiredIDs pages through Locked gifts whose expiry is at or before cutoff.
func (l *Ledger) ExpiredIDs(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error) {
	return l.store.ListExpired(ctx, cutoff, afterID, limit)
}

// Ping checks that the store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
