package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"giftlock/internal/custody"
	"giftlock/internal/gift"
	"giftlock/internal/store"
)

const reconcilePage = 100

// repair is a state change owed to an in-flight record that the ledger
// could not write. When ref is set the change depends on that transfer's
// outcome and to is unused.
type repair struct {
	from     gift.State
	to       gift.State
	claimant string
	ref      string
}

// repairQueue lives in memory only. After a restart, records whose repair
// was lost show up in Reconcile as unresolved.
type repairQueue struct {
	mu sync.Mutex
	m  map[int64]repair
}

func newRepairQueue() *repairQueue {
	return &repairQueue{m: make(map[int64]repair)}
}

func (q *repairQueue) put(id int64, r repair) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.m[id] = r
}

func (q *repairQueue) get(id int64) (repair, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.m[id]
	return r, ok
}

func (q *repairQueue) drop(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.m, id)
}

func (q *repairQueue) ids() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, 0, len(q.m))
	for id := range q.m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ReconcileReport summarises a pass over in-flight gifts.
type ReconcileReport struct {
	Settled    int // transfer confirmed, record finalized
	RolledBack int // back to Locked, or voided when a deposit never arrived
	Pending    int // transfer still unconfirmed
	Unresolved int // in flight with nothing to settle it by
}

type settleOutcome int

const (
	settleNone settleOutcome = iota
	settleDone
	settleRolledBack
	settlePending
	settleUnresolved
)

func (r *ReconcileReport) add(o settleOutcome) {
	switch o {
	case settleDone:
		r.Settled++
	case settleRolledBack:
		r.RolledBack++
	case settlePending:
		r.Pending++
	case settleUnresolved:
		r.Unresolved++
	}
}

// Reconcile settles gifts left in an in-flight state: transfers whose
// outcome was unknown and store writes that failed after custody acted.
// A gift in flight with neither a transfer reference nor a queued repair
// may belong to a release still running elsewhere, so it is only counted.
func (l *Ledger) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	seen := make(map[int64]bool)

	var after int64
	for {
		page, err := l.store.ListInFlight(ctx, after, reconcilePage)
		if err != nil {
			return rep, fmt.Errorf("list in-flight gifts: %w", err)
		}
		for _, g := range page {
			seen[g.ID] = true
			o, err := l.settle(ctx, g.ID)
			if err != nil {
				return rep, err
			}
			rep.add(o)
		}
		if len(page) < reconcilePage {
			break
		}
		after = page[len(page)-1].ID
	}

	for _, id := range l.repairs.ids() {
		if seen[id] {
			continue
		}
		o, err := l.settle(ctx, id)
		if err != nil {
			return rep, err
		}
		rep.add(o)
	}

	if rep != (ReconcileReport{}) {
		l.log.Info("gift.reconciled",
			"settled", rep.Settled,
			"rolled_back", rep.RolledBack,
			"pending", rep.Pending,
			"unresolved", rep.Unresolved,
		)
	}
	return rep, nil
}

func (l *Ledger) settle(ctx context.Context, id int64) (settleOutcome, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	g, err := l.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gift.ErrNotFound) {
			l.repairs.drop(id)
			return settleNone, nil
		}
		return settleNone, err
	}
	if !g.State.InFlight() {
		l.repairs.drop(id)
		return settleNone, nil
	}

	r, queued := l.repairs.get(id)
	if queued && r.from != g.State {
		l.repairs.drop(id)
		queued = false
	}
	ref := g.TransferRef
	if ref == "" && queued {
		ref = r.ref
	}

	if ref == "" {
		if !queued {
			l.log.Warn("gift.in_flight_unresolved", "gift_id", id, "state", g.State.String())
			return settleUnresolved, nil
		}
		return l.move(ctx, g, r.to, r.claimant)
	}

	status, err := l.transferStatus(ctx, ref)
	if err != nil {
		l.log.Warn("gift.transfer_status_failed", "gift_id", id, "ref", ref, "err", err)
		return settlePending, nil
	}
	switch status {
	case custody.TransferConfirmed:
		return l.confirm(ctx, g)
	case custody.TransferReverted:
		to := gift.Locked
		if g.State == gift.Depositing {
			to = gift.Voided
		}
		l.log.Warn("gift.transfer_reverted", "gift_id", id, "state", g.State.String(), "ref", ref)
		return l.move(ctx, g, to, "")
	default:
		return settlePending, nil
	}
}

// confirm finalizes a gift whose transfer went through and charges the fee
// the original call deferred.
func (l *Ledger) confirm(ctx context.Context, g gift.Gift) (settleOutcome, error) {
	var to gift.State
	switch g.State {
	case gift.Claiming:
		to = gift.Claimed
	case gift.Refunding:
		to = gift.Refunded
	case gift.Depositing:
		to = gift.Locked
	}
	o, err := l.move(ctx, g, to, g.Claimant)
	if err != nil || o == settleNone {
		return o, err
	}

	switch g.State {
	case gift.Claiming:
		claimFee := l.fees.ClaimFee(g.Asset.Kind, g.Gross, g.Quantity)
		l.payFee(ctx, g, "claim", claimFee)
		l.metrics.IncClaim("claimed")
		l.log.Info("gift.claimed", "gift_id", g.ID, "claimant", g.Claimant, "fee", claimFee.String(), "ref", g.TransferRef)
	case gift.Refunding:
		l.metrics.IncRefund("refunded")
		l.log.Info("gift.refunded", "gift_id", g.ID, "creator", g.Creator, "amount", g.Quantity.String(), "ref", g.TransferRef)
	case gift.Depositing:
		l.payFee(ctx, g, "creation", g.CreationFee())
		l.metrics.IncLock("created")
		l.log.Info("gift.locked", "gift_id", g.ID, "creator", g.Creator, "quantity", g.Quantity.String(), "ref", g.TransferRef)
	}
	return settleDone, nil
}

// move writes the settled state of an in-flight gift. A conflict means
// something else already settled it.
func (l *Ledger) move(ctx context.Context, g gift.Gift, to gift.State, claimant string) (settleOutcome, error) {
	_, err := l.finalize(ctx, store.Transition{ID: g.ID, From: g.State, To: to, Claimant: claimant, At: l.clock.Now()})
	switch {
	case err == nil:
	case errors.Is(err, gift.ErrConflict):
		l.repairs.drop(g.ID)
		return settleNone, nil
	default:
		return settleNone, fmt.Errorf("settle gift %d: %w", g.ID, err)
	}
	l.repairs.drop(g.ID)
	if (to == gift.Locked && g.State != gift.Depositing) || to == gift.Voided {
		return settleRolledBack, nil
	}
	return settleDone, nil
}

func (l *Ledger) transferStatus(ctx context.Context, ref string) (custody.TransferStatus, error) {
	c, ok := l.custody.(custody.Confirmer)
	if !ok {
		return custody.TransferPending, errors.New("custody adapter cannot confirm transfers")
	}
	tctx, cancel := context.WithTimeout(ctx, l.transferTimeout)
	defer cancel()
	return c.TransferStatus(tctx, ref)
}
