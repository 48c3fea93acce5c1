package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"giftlock/internal/gift"

	"github.com/oklog/ulid/v2"
)

// Claim releases gift id to claimant if code matches its commitment and the
// gift has not expired. Checks run in a fixed order: existence, state,
// expiry, then the code.
func (l *Ledger) Claim(ctx context.Context, id int64, code, claimant string) (ClaimReceipt, error) {
	if strings.TrimSpace(claimant) == "" {
		return ClaimReceipt{}, fmt.Errorf("%w: claimant is required", gift.ErrInvalidInput)
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	g, fee, err := l.claim(ctx, id, code, claimant)
	if err != nil {
		return ClaimReceipt{}, err
	}
	return ClaimReceipt{
		ID:        ulid.Make().String(),
		GiftID:    g.ID,
		Claimant:  claimant,
		Asset:     g.Asset,
		Payout:    new(big.Int).Sub(g.Quantity, fee),
		Fee:       fee,
		ClaimedAt: g.ResolvedAt,
	}, nil
}

// ClaimMany claims every id that code unlocks. Each id succeeds or fails on
// its own; an id listed twice reports ErrAlreadyResolved the second time.
// The returned error is reserved for malformed requests and store outages.
func (l *Ledger) ClaimMany(ctx context.Context, ids []int64, code, claimant string) (BatchReceipt, error) {
	if len(ids) == 0 {
		return BatchReceipt{}, fmt.Errorf("%w: no gift ids", gift.ErrInvalidInput)
	}
	if len(ids) > MaxBatch {
		return BatchReceipt{}, fmt.Errorf("%w: at most %d ids per batch", gift.ErrInvalidInput, MaxBatch)
	}
	if strings.TrimSpace(claimant) == "" {
		return BatchReceipt{}, fmt.Errorf("%w: claimant is required", gift.ErrInvalidInput)
	}

	receipt := BatchReceipt{ID: ulid.Make().String()}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			receipt.add(Result{GiftID: id, Outcome: OutcomeFailed, Err: fmt.Errorf("%w: gift %d listed twice", gift.ErrAlreadyResolved, id)})
			continue
		}
		seen[id] = true

		unlock := l.locks.Lock(id)
		g, fee, err := l.claim(ctx, id, code, claimant)
		unlock()

		if err != nil {
			if isStoreFailure(err) {
				return receipt, err
			}
			outcome := OutcomeFailed
			if errors.Is(err, gift.ErrTransferUnconfirmed) {
				outcome = OutcomePending
			}
			receipt.add(Result{GiftID: id, Outcome: outcome, Asset: g.Asset, Err: err})
			continue
		}
		receipt.add(Result{
			GiftID:  id,
			Outcome: OutcomeClaimed,
			Asset:   g.Asset,
			Amount:  new(big.Int).Sub(g.Quantity, fee),
			Fee:     fee,
		})
	}

	l.log.Info("gift.batch_claimed",
		"batch_id", receipt.ID,
		"claimant", claimant,
		"requested", len(ids),
		"claimed", receipt.Count(OutcomeClaimed),
	)
	return receipt, nil
}

// claim runs one claim with the id lock held. It returns the resolved gift
// and the claim fee charged.
func (l *Ledger) claim(ctx context.Context, id int64, code, claimant string) (gift.Gift, *big.Int, error) {
	g, err := l.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gift.ErrNotFound) {
			l.metrics.IncClaim("not_found")
		}
		return g, nil, err
	}
	if g.State == gift.Depositing {
		l.metrics.IncClaim("deposit_pending")
		return g, nil, fmt.Errorf("%w: gift %d", gift.ErrDepositPending, id)
	}
	if g.State != gift.Locked {
		l.metrics.IncClaim("already_resolved")
		return g, nil, fmt.Errorf("%w: gift %d", gift.ErrAlreadyResolved, id)
	}
	if g.Expired(l.clock.Now()) {
		l.metrics.IncClaim("expired")
		return g, nil, fmt.Errorf("%w: gift %d", gift.ErrExpired, id)
	}
	if !l.verifier.Match(code, g.CodeHash) {
		l.metrics.IncClaim("bad_code")
		l.log.Info("gift.bad_code", "gift_id", id, "claimant", claimant)
		return g, nil, fmt.Errorf("%w: gift %d", gift.ErrBadCode, id)
	}

	claimFee := l.fees.ClaimFee(g.Asset.Kind, g.Gross, g.Quantity)
	payout := new(big.Int).Sub(g.Quantity, claimFee)

	done, err := l.release(ctx, g, gift.Claiming, gift.Claimed, claimant, payout)
	if errors.Is(err, gift.ErrTransferUnconfirmed) {
		// Reconcile charges the fee once the payout confirms.
		l.metrics.IncClaim("unconfirmed")
		l.log.Warn("gift.claim_unconfirmed", "gift_id", id, "claimant", claimant, "ref", done.TransferRef)
		return done, nil, err
	}
	if err != nil {
		l.metrics.IncClaim("failed")
		l.log.Warn("gift.claim_failed", "gift_id", id, "claimant", claimant, "err", err)
		return g, nil, err
	}

	l.payFee(ctx, done, "claim", claimFee)
	l.metrics.IncClaim("claimed")
	l.log.Info("gift.claimed",
		"gift_id", id,
		"claimant", claimant,
		"payout", payout.String(),
		"fee", claimFee.String(),
	)
	return done, claimFee, nil
}

// isStoreFailure reports errors that come from the store rather than from
// the gift taxonomy. Those abort a batch.
func isStoreFailure(err error) bool {
	for _, known := range []error{
		gift.ErrInvalidInput,
		gift.ErrNotFound,
		gift.ErrAlreadyResolved,
		gift.ErrExpired,
		gift.ErrNotExpired,
		gift.ErrBadCode,
		gift.ErrTransferFailed,
		gift.ErrTransferUnconfirmed,
		gift.ErrDepositPending,
		gift.ErrUnauthorized,
		gift.ErrInsufficientFunds,
		gift.ErrInsufficientApproval,
	} {
		if errors.Is(err, known) {
			return false
		}
	}
	return true
}
