package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"giftlock/internal/codehash"
	"giftlock/internal/custody"
	"giftlock/internal/gift"
)

// LockRequest describes a new deposit. Quantity may be left nil for unique
// assets.
type LockRequest struct {
	Creator  string
	Asset    gift.Asset
	Quantity *big.Int
	Expiry   time.Time
	CodeHash codehash.Digest
	Note     string
}

func (r LockRequest) validate(now time.Time) (*big.Int, error) {
	if strings.TrimSpace(r.Creator) == "" {
		return nil, fmt.Errorf("%w: creator is required", gift.ErrInvalidInput)
	}
	if err := r.Asset.Validate(); err != nil {
		return nil, err
	}

	var qty *big.Int
	switch r.Asset.Kind {
	case gift.Fungible:
		if r.Quantity == nil || r.Quantity.Sign() <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive", gift.ErrInvalidInput)
		}
		qty = new(big.Int).Set(r.Quantity)
	case gift.Unique:
		if r.Quantity != nil && r.Quantity.Cmp(big.NewInt(1)) != 0 {
			return nil, fmt.Errorf("%w: unique assets lock exactly one unit", gift.ErrInvalidInput)
		}
		qty = big.NewInt(1)
	}

	if !r.Expiry.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", gift.ErrInvalidInput)
	}
	if r.CodeHash.IsZero() {
		return nil, fmt.Errorf("%w: code hash is required", gift.ErrInvalidInput)
	}
	if len(r.Note) > gift.MaxNoteSize {
		return nil, fmt.Errorf("%w: note exceeds %d bytes", gift.ErrInvalidInput, gift.MaxNoteSize)
	}
	return qty, nil
}

// Lock pulls the deposit into custody and records a Locked gift holding the
// deposit net of the creation fee. Nothing is recorded if the pull fails.
//
// When the pull was submitted but not confirmed, the gift is recorded as
// Depositing and returned together with an error wrapping
// ErrTransferUnconfirmed. Reconcile locks it once the deposit settles, or
// voids it if the deposit never arrived.
func (l *Ledger) Lock(ctx context.Context, req LockRequest) (gift.Gift, error) {
	now := l.clock.Now()
	gross, err := req.validate(now)
	if err != nil {
		l.metrics.IncLock("invalid")
		return gift.Gift{}, err
	}
	if req.Asset.Kind == gift.Fungible {
		req.Asset.UnitRef = ""
	}

	state, ref := gift.Locked, ""
	pullErr := l.pull(ctx, req.Creator, req.Asset, gross)
	if pullErr != nil {
		var ok bool
		if ref, ok = custody.PendingRef(pullErr); !ok || ref == "" {
			l.metrics.IncLock("pull_failed")
			l.log.Info("gift.lock_rejected", "creator", req.Creator, "asset", req.Asset.String(), "err", pullErr)
			if errors.Is(pullErr, gift.ErrTransferUnconfirmed) {
				l.log.Error("gift.deposit_untracked", "creator", req.Creator, "asset", req.Asset.String(), "quantity", gross.String())
			}
			return gift.Gift{}, pullErr
		}
		state = gift.Depositing
	}

	creationFee := l.fees.CreationFee(req.Asset.Kind, gross)
	g, err := l.store.Create(ctx, gift.Gift{
		Asset:       req.Asset,
		Gross:       gross,
		Quantity:    new(big.Int).Sub(gross, creationFee),
		Expiry:      req.Expiry.UTC(),
		CodeHash:    req.CodeHash,
		Note:        req.Note,
		State:       state,
		Creator:     req.Creator,
		CreatedAt:   now,
		TransferRef: ref,
	})
	if err != nil {
		l.metrics.IncLock("store_failed")
		if state == gift.Depositing {
			// Whether the deposit arrived is unknown, so it cannot be
			// pushed back.
			l.log.Error("gift.deposit_orphaned", "creator", req.Creator, "asset", req.Asset.String(), "quantity", gross.String(), "ref", ref, "err", err)
		} else {
			l.compensate(req.Creator, req.Asset, gross)
		}
		return gift.Gift{}, fmt.Errorf("record gift: %w", err)
	}

	if state == gift.Depositing {
		l.metrics.IncLock("unconfirmed")
		l.log.Warn("gift.deposit_unconfirmed", "gift_id", g.ID, "creator", g.Creator, "asset", g.Asset.String(), "ref", ref)
		return g, fmt.Errorf("gift %d: %w", g.ID, pullErr)
	}

	l.payFee(ctx, g, "creation", creationFee)
	l.metrics.IncLock("created")
	l.log.Info("gift.locked",
		"gift_id", g.ID,
		"creator", g.Creator,
		"asset", g.Asset.String(),
		"quantity", g.Quantity.String(),
		"expiry", g.Expiry,
	)
	return g, nil
}

// compensate returns a pulled deposit whose record could not be written.
func (l *Ledger) compensate(creator string, asset gift.Asset, qty *big.Int) {
	ctx, cancel := context.WithTimeout(context.Background(), l.transferTimeout)
	defer cancel()
	if err := l.push(ctx, creator, asset, qty); err != nil {
		l.log.Error("gift.compensation_failed", "creator", creator, "asset", asset.String(), "quantity", qty.String(), "err", err)
		return
	}
	l.log.Warn("gift.lock_compensated", "creator", creator, "asset", asset.String(), "quantity", qty.String())
}
