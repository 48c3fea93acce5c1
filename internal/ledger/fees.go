package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"giftlock/internal/custody"
	"giftlock/internal/dlq"
	"giftlock/internal/gift"

	"github.com/oklog/ulid/v2"
)

// payFee sends a collected fee to the fee recipient. Failure does not undo
// the operation that charged it; the payment is parked in the dead-letter
// queue instead.
func (l *Ledger) payFee(ctx context.Context, g gift.Gift, reason string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	err := l.push(ctx, l.fees.Recipient, g.Asset, amount)
	if err == nil {
		return
	}

	entry := dlq.Entry{
		ID:        ulid.Make().String(),
		GiftID:    g.ID,
		Reason:    reason,
		Recipient: l.fees.Recipient,
		Asset:     g.Asset,
		Amount:    new(big.Int).Set(amount),
		Error:     err.Error(),
		Attempts:  1,
		Timestamp: l.clock.Now(),
	}
	entry.TransferRef, _ = custody.PendingRef(err)
	if entry.TransferRef == "" && errors.Is(err, gift.ErrTransferUnconfirmed) {
		l.log.Error("gift.fee_untracked", "gift_id", g.ID, "reason", reason, "amount", amount.String(), "err", err)
		return
	}
	if !l.dlq.Enabled() {
		l.log.Error("gift.fee_lost", "gift_id", g.ID, "reason", reason, "amount", amount.String(), "err", err)
		return
	}
	if perr := l.dlq.Put(entry); perr != nil {
		l.log.Error("gift.fee_dlq_failed", "gift_id", g.ID, "reason", reason, "amount", amount.String(), "err", perr)
		return
	}
	l.metrics.SetDLQDepth(l.dlq.Depth())
	l.log.Warn("gift.fee_deferred", "gift_id", g.ID, "reason", reason, "amount", amount.String(), "dlq_id", entry.ID, "err", err)
}

// ReplayReport summarises a pass over the fee dead-letter queue.
type ReplayReport struct {
	Delivered int
	Remaining int
}

// ReplayFees retries every parked fee payment once. A payment whose last
// attempt is unconfirmed is only pushed again after it is known to have
// reverted.
func (l *Ledger) ReplayFees(ctx context.Context) (ReplayReport, error) {
	var rep ReplayReport
	if !l.dlq.Enabled() {
		return rep, nil
	}

	entries, err := l.dlq.List()
	if err != nil {
		return rep, fmt.Errorf("list dead letters: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if e.TransferRef != "" {
			status, err := l.transferStatus(ctx, e.TransferRef)
			if err != nil || status == custody.TransferPending {
				rep.Remaining++
				continue
			}
			if status == custody.TransferConfirmed {
				l.feeDelivered(e, &rep)
				continue
			}
			e.TransferRef = ""
		}
		if err := l.push(ctx, e.Recipient, e.Asset, e.Amount); err != nil {
			e.Attempts++
			e.Error = err.Error()
			e.TransferRef, _ = custody.PendingRef(err)
			if perr := l.dlq.Put(e); perr != nil {
				l.log.Error("gift.fee_dlq_failed", "gift_id", e.GiftID, "dlq_id", e.ID, "err", perr)
			}
			rep.Remaining++
			continue
		}
		l.feeDelivered(e, &rep)
	}
	l.metrics.SetDLQDepth(l.dlq.Depth())
	return rep, nil
}

func (l *Ledger) feeDelivered(e dlq.Entry, rep *ReplayReport) {
	if err := l.dlq.Remove(e.ID); err != nil {
		l.log.Error("gift.fee_dlq_failed", "gift_id", e.GiftID, "dlq_id", e.ID, "err", err)
	}
	rep.Delivered++
	l.log.Info("gift.fee_delivered", "gift_id", e.GiftID, "dlq_id", e.ID, "attempts", e.Attempts, "age", l.clock.Now().Sub(e.Timestamp).String())
}

// PendingFees reports the number of parked fee payments.
func (l *Ledger) PendingFees() int {
	return l.dlq.Depth()
}
