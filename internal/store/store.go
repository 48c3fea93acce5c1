// Package store persists gift records. Every implementation assigns ids in
// creation order, never reuses them, and applies state transitions as
// compare-and-swap operations.
package store

import (
	"context"
	"fmt"
	"time"

	"giftlock/internal/codehash"
	"giftlock/internal/gift"
)

// Store is the durable home of gift records.
type Store interface {
	// Create appends g and returns it with its assigned id.
	Create(ctx context.Context, g gift.Gift) (gift.Gift, error)
	Get(ctx context.Context, id int64) (gift.Gift, error)
	// Transition moves a record from t.From to t.To. It returns
	// gift.ErrConflict, along with the current record, when the record is
	// no longer in t.From.
	Transition(ctx context.Context, t Transition) (gift.Gift, error)
	// ListExpired returns ids of Locked gifts with expiry at or before
	// cutoff and id greater than afterID, in id order.
	ListExpired(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error)
	// ListInFlight returns records in Claiming, Refunding or Depositing with
	// id greater than afterID, in id order.
	ListInFlight(ctx context.Context, afterID int64, limit int) ([]gift.Gift, error)
	// SetTransferRef stores ref on a record that is still in state, or
	// returns gift.ErrConflict with the current record.
	SetTransferRef(ctx context.Context, id int64, state gift.State, ref string) (gift.Gift, error)
	ListByCodeHash(ctx context.Context, hash codehash.Digest) ([]gift.Gift, error)
	ListByCreator(ctx context.Context, creator string) ([]gift.Gift, error)
	Ping(ctx context.Context) error
	Close() error
}

// Transition describes a compare-and-swap state change.
type Transition struct {
	ID       int64
	From     gift.State
	To       gift.State
	Claimant string
	At       time.Time
}

func (t Transition) validate() error {
	if !gift.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: transition %s -> %s", gift.ErrInvalidInput, t.From, t.To)
	}
	return nil
}

// apply mutates g as t prescribes. The caller has already checked g.State.
func (t Transition) apply(g *gift.Gift) {
	g.State = t.To
	switch t.To {
	case gift.Claiming, gift.Claimed:
		g.Claimant = t.Claimant
	case gift.Locked:
		g.Claimant = ""
		g.TransferRef = ""
	}
	if t.To.Terminal() {
		g.ResolvedAt = t.At
	} else {
		g.ResolvedAt = time.Time{}
	}
}

func validateRef(state gift.State, ref string) error {
	if !state.InFlight() {
		return fmt.Errorf("%w: transfer ref on %s record", gift.ErrInvalidInput, state)
	}
	if ref == "" {
		return fmt.Errorf("%w: empty transfer ref", gift.ErrInvalidInput)
	}
	return nil
}

func conflict(g gift.Gift, want gift.State) error {
	return fmt.Errorf("%w: gift %d is %s, expected %s", gift.ErrConflict, g.ID, g.State, want)
}
