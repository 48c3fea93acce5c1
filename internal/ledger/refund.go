package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"giftlock/internal/gift"

	"github.com/oklog/ulid/v2"
)

// RefundExpired returns every listed gift that is Locked and expired to its
// creator, in full. Gifts that are already resolved or not yet expired are
// skipped rather than failed, so repeated sweeps over the same ids are
// harmless. The returned error is non-nil only when the store fails; the
// receipt then covers the ids handled so far.
func (l *Ledger) RefundExpired(ctx context.Context, ids []int64) (BatchReceipt, error) {
	if len(ids) > MaxBatch {
		return BatchReceipt{}, fmt.Errorf("%w: at most %d ids per batch", gift.ErrInvalidInput, MaxBatch)
	}

	receipt := BatchReceipt{ID: ulid.Make().String()}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			receipt.add(Result{GiftID: id, Outcome: OutcomeSkipped, Err: fmt.Errorf("%w: gift %d listed twice", gift.ErrAlreadyResolved, id)})
			continue
		}
		seen[id] = true

		unlock := l.locks.Lock(id)
		res, err := l.refundExpired(ctx, id)
		unlock()
		if err != nil {
			return receipt, err
		}
		receipt.add(res)
	}

	if len(ids) > 0 {
		l.log.Info("gift.batch_refunded",
			"batch_id", receipt.ID,
			"requested", len(ids),
			"refunded", receipt.Count(OutcomeRefunded),
			"skipped", receipt.Count(OutcomeSkipped),
			"failed", receipt.Count(OutcomeFailed),
			"pending", receipt.Count(OutcomePending),
		)
	}
	return receipt, nil
}

func (l *Ledger) refundExpired(ctx context.Context, id int64) (Result, error) {
	g, err := l.store.Get(ctx, id)
	if err != nil {
		if isStoreFailure(err) {
			return Result{}, err
		}
		l.metrics.IncRefund("failed")
		return Result{GiftID: id, Outcome: OutcomeFailed, Err: err}, nil
	}

	res := Result{GiftID: id, Asset: g.Asset}
	if g.State == gift.Depositing {
		l.metrics.IncRefund("skipped")
		res.Outcome = OutcomeSkipped
		res.Err = fmt.Errorf("%w: gift %d", gift.ErrDepositPending, id)
		return res, nil
	}
	if g.State != gift.Locked {
		l.metrics.IncRefund("skipped")
		res.Outcome = OutcomeSkipped
		res.Err = fmt.Errorf("%w: gift %d", gift.ErrAlreadyResolved, id)
		return res, nil
	}
	if !g.Expired(l.clock.Now()) {
		l.metrics.IncRefund("skipped")
		res.Outcome = OutcomeSkipped
		res.Err = fmt.Errorf("%w: gift %d", gift.ErrNotExpired, id)
		return res, nil
	}

	done, err := l.release(ctx, g, gift.Refunding, gift.Refunded, g.Creator, g.Quantity)
	switch {
	case err == nil:
	case isStoreFailure(err):
		return Result{}, err
	case errors.Is(err, gift.ErrTransferUnconfirmed):
		l.metrics.IncRefund("unconfirmed")
		l.log.Warn("gift.refund_unconfirmed", "gift_id", id, "ref", done.TransferRef)
		res.Outcome = OutcomePending
		res.Err = err
		return res, nil
	default:
		l.metrics.IncRefund("failed")
		l.log.Warn("gift.refund_failed", "gift_id", id, "err", err)
		res.Outcome = OutcomeFailed
		res.Err = err
		return res, nil
	}

	l.metrics.IncRefund("refunded")
	l.log.Info("gift.refunded", "gift_id", id, "creator", done.Creator, "amount", done.Quantity.String())
	res.Outcome = OutcomeRefunded
	res.Amount = new(big.Int).Set(done.Quantity)
	return res, nil
}

// Refund is the creator-initiated refund of a single expired gift. Unlike
// RefundExpired it reports every precondition as an error.
func (l *Ledger) Refund(ctx context.Context, id int64, caller string) (RefundReceipt, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	g, err := l.store.Get(ctx, id)
	if err != nil {
		return RefundReceipt{}, err
	}
	if caller != g.Creator {
		return RefundReceipt{}, fmt.Errorf("%w: only the creator may refund gift %d", gift.ErrUnauthorized, id)
	}
	if g.State == gift.Depositing {
		return RefundReceipt{}, fmt.Errorf("%w: gift %d", gift.ErrDepositPending, id)
	}
	if g.State != gift.Locked {
		return RefundReceipt{}, fmt.Errorf("%w: gift %d", gift.ErrAlreadyResolved, id)
	}
	if !g.Expired(l.clock.Now()) {
		return RefundReceipt{}, fmt.Errorf("%w: gift %d expires at %s", gift.ErrNotExpired, id, g.Expiry.Format(time.RFC3339))
	}

	done, err := l.release(ctx, g, gift.Refunding, gift.Refunded, g.Creator, g.Quantity)
	if errors.Is(err, gift.ErrTransferUnconfirmed) {
		l.metrics.IncRefund("unconfirmed")
		l.log.Warn("gift.refund_unconfirmed", "gift_id", id, "ref", done.TransferRef)
		return RefundReceipt{}, err
	}
	if err != nil {
		l.metrics.IncRefund("failed")
		l.log.Warn("gift.refund_failed", "gift_id", id, "err", err)
		return RefundReceipt{}, err
	}

	l.metrics.IncRefund("refunded")
	l.log.Info("gift.refunded", "gift_id", id, "creator", done.Creator, "amount", done.Quantity.String())
	return RefundReceipt{
		ID:         ulid.Make().String(),
		GiftID:     id,
		Creator:    done.Creator,
		Asset:      done.Asset,
		Amount:     new(big.Int).Set(done.Quantity),
		RefundedAt: done.ResolvedAt,
	}, nil
}
