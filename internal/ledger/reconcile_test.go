package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"giftlock/internal/dlq"
	"giftlock/internal/gift"
	"giftlock/internal/retry"
	"giftlock/internal/store"
)

var fastStoreRetry = retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond}

// failingTransitionStore fails the next n transitions into state to.
type failingTransitionStore struct {
	store.Store
	to       gift.State
	failures atomic.Int32
}

func (s *failingTransitionStore) Transition(ctx context.Context, t store.Transition) (gift.Gift, error) {
	if t.To == s.to && s.failures.Add(-1) >= 0 {
		return gift.Gift{}, errors.New("connection reset")
	}
	return s.Store.Transition(ctx, t)
}

func TestUnconfirmedClaimIsNeitherRetriedNorRolledBack(t *testing.T) {
	f := newFixture(t, WithRetry(retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}))
	ctx := context.Background()
	g := f.lock(t, 100, "a", time.Hour)
	f.lock(t, 50, "b", time.Hour)

	f.bank.UnconfirmNextPushes(1)
	f.bank.HoldConfirmations(true)
	_, err := f.ledger.Claim(ctx, g.ID, "a", "bob")
	if !errors.Is(err, gift.ErrTransferUnconfirmed) || errors.Is(err, gift.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferUnconfirmed only, got %v", err)
	}
	if f.bank.Pushes("bob") != 1 || f.balance("bob") != 100 {
		t.Fatalf("payout must be pushed once: pushes=%d bob=%d", f.bank.Pushes("bob"), f.balance("bob"))
	}

	stored, err := f.store.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != gift.Claiming || stored.TransferRef == "" {
		t.Fatalf("gift should stay in flight with its transfer ref, got %s %q", stored.State, stored.TransferRef)
	}
	st, _ := f.ledger.Status(ctx, g.ID)
	if st.State != gift.Locked || !st.TransferPending {
		t.Fatalf("unexpected status %+v", st)
	}

	if _, err := f.ledger.Claim(ctx, g.ID, "a", "bob"); !errors.Is(err, gift.ErrAlreadyResolved) {
		t.Fatalf("second claim: expected ErrAlreadyResolved, got %v", err)
	}
	f.clock.Advance(2 * time.Hour)
	receipt, err := f.ledger.RefundExpired(ctx, []int64{g.ID})
	if err != nil {
		t.Fatalf("refund expired: %v", err)
	}
	if receipt.Count(OutcomeSkipped) != 1 {
		t.Fatalf("in-flight gift must not be refunded: %+v", receipt.Results)
	}
	if f.balance("alice") != 850 || f.balance("escrow") != 50 {
		t.Fatalf("the other gift's deposit was touched: alice=%d escrow=%d", f.balance("alice"), f.balance("escrow"))
	}

	rep, err := f.ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Pending != 1 || rep.Settled != 0 {
		t.Fatalf("held transfer should stay pending: %+v", rep)
	}

	f.bank.HoldConfirmations(false)
	rep, err = f.ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Settled != 1 {
		t.Fatalf("confirmed transfer should settle: %+v", rep)
	}
	st, _ = f.ledger.Status(ctx, g.ID)
	if !st.Claimed || st.Claimant != "bob" || st.TransferPending {
		t.Fatalf("unexpected status %+v", st)
	}
	if f.balance("bob") != 100 {
		t.Fatalf("bob=%d", f.balance("bob"))
	}

	rep, err = f.ledger.Reconcile(ctx)
	if err != nil || rep != (ReconcileReport{}) {
		t.Fatalf("nothing left to settle: %+v %v", rep, err)
	}
}

func TestUnconfirmedClaimChargesFeeOnSettlement(t *testing.T) {
	f := newFixture(t, WithFeePolicy(onePercent(t)))
	ctx := context.Background()
	g := f.lock(t, 100, "a", time.Hour)

	f.bank.UnconfirmNextPushes(1)
	if _, err := f.ledger.Claim(ctx, g.ID, "a", "carol"); !errors.Is(err, gift.ErrTransferUnconfirmed) {
		t.Fatalf("expected ErrTransferUnconfirmed, got %v", err)
	}
	if f.balance("carol") != 98 || f.balance("treasury") != 1 {
		t.Fatalf("claim fee is held until the payout confirms: carol=%d treasury=%d", f.balance("carol"), f.balance("treasury"))
	}

	if _, err := f.ledger.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if f.balance("treasury") != 2 || f.balance("escrow") != 0 {
		t.Fatalf("treasury=%d escrow=%d", f.balance("treasury"), f.balance("escrow"))
	}
}

func TestRevertedClaimReturnsToLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.lock(t, 10, "a", time.Hour)

	f.bank.DropNextPushes(1)
	if _, err := f.ledger.Claim(ctx, g.ID, "a", "carol"); !errors.Is(err, gift.ErrTransferUnconfirmed) {
		t.Fatalf("expected ErrTransferUnconfirmed, got %v", err)
	}
	if f.balance("carol") != 0 {
		t.Fatalf("dropped push moved assets")
	}

	rep, err := f.ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.RolledBack != 1 {
		t.Fatalf("reverted transfer should roll back: %+v", rep)
	}
	stored, _ := f.store.Get(ctx, g.ID)
	if stored.State != gift.Locked || stored.TransferRef != "" || stored.Claimant != "" {
		t.Fatalf("unexpected record %+v", stored)
	}

	if _, err := f.ledger.Claim(ctx, g.ID, "a", "carol"); err != nil {
		t.Fatalf("claim after rollback: %v", err)
	}
	if f.balance("carol") != 10 {
		t.Fatalf("carol=%d", f.balance("carol"))
	}
}

func TestUnconfirmedDepositIsLockedOnSettlement(t *testing.T) {
	f := newFixture(t, WithFeePolicy(onePercent(t)))
	ctx := context.Background()

	f.bank.UnconfirmNextPulls(1)
	g, err := f.ledger.Lock(ctx, LockRequest{
		Creator: "alice", Asset: usdc, Quantity: big.NewInt(100),
		Expiry: start.Add(time.Hour), CodeHash: f.ledger.Verifier().Hash("a"),
	})
	if !errors.Is(err, gift.ErrTransferUnconfirmed) {
		t.Fatalf("expected ErrTransferUnconfirmed, got %v", err)
	}
	if g.ID == 0 || g.State != gift.Depositing || g.TransferRef == "" {
		t.Fatalf("expected a tracked Depositing record, got %+v", g)
	}
	if f.balance("treasury") != 0 {
		t.Fatalf("creation fee is held until the deposit confirms")
	}
	if _, err := f.ledger.Claim(ctx, g.ID, "a", "carol"); !errors.Is(err, gift.ErrDepositPending) {
		t.Fatalf("expected ErrDepositPending, got %v", err)
	}

	rep, err := f.ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Settled != 1 {
		t.Fatalf("deposit should settle: %+v", rep)
	}
	if f.balance("treasury") != 1 || f.balance("escrow") != 99 {
		t.Fatalf("treasury=%d escrow=%d", f.balance("treasury"), f.balance("escrow"))
	}
	if _, err := f.ledger.Claim(ctx, g.ID, "a", "carol"); err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func TestDroppedDepositIsVoided(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bank.DropNextPulls(1)
	g, err := f.ledger.Lock(ctx, LockRequest{
		Creator: "alice", Asset: usdc, Quantity: big.NewInt(40),
		Expiry: start.Add(time.Hour), CodeHash: f.ledger.Verifier().Hash("a"),
	})
	if !errors.Is(err, gift.ErrTransferUnconfirmed) {
		t.Fatalf("expected ErrTransferUnconfirmed, got %v", err)
	}

	rep, err := f.ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.RolledBack != 1 {
		t.Fatalf("reverted deposit should be voided: %+v", rep)
	}
	st, _ := f.ledger.Status(ctx, g.ID)
	if st.State != gift.Voided || st.ResolvedAt == nil {
		t.Fatalf("unexpected status %+v", st)
	}
	if f.balance("alice") != 1_000 || f.balance("escrow") != 0 {
		t.Fatalf("alice=%d escrow=%d", f.balance("alice"), f.balance("escrow"))
	}
	if _, err := f.ledger.Claim(ctx, g.ID, "a", "carol"); !errors.Is(err, gift.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestRollbackIsRetried(t *testing.T) {
	st := &failingTransitionStore{Store: store.NewMemory(), to: gift.Locked}
	f := newFixtureOn(t, st, WithStoreRetry(fastStoreRetry))
	ctx := context.Background()
	g := f.lock(t, 10, "a", time.Hour)

	st.failures.Store(1)
	f.bank.FailNextPushes(1)
	if _, err := f.ledger.Claim(ctx, g.ID, "a", "carol"); !errors.Is(err, gift.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	stored, _ := f.store.Get(ctx, g.ID)
	if stored.State != gift.Locked {
		t.Fatalf("rollback should survive one store failure, got %s", stored.State)
	}

	f.clock.Advance(2 * time.Hour)
	receipt, err := f.ledger.RefundExpired(ctx, []int64{g.ID})
	if err != nil || receipt.Count(OutcomeRefunded) != 1 {
		t.Fatalf("gift should be refundable: %v %+v", err, receipt.Results)
	}
	if f.balance("alice") != 1_000 {
		t.Fatalf("alice=%d", f.balance("alice"))
	}
}

func TestReconcileRepairsFailedRollback(t *testing.T) {
	st := &failingTransitionStore{Store: store.NewMemory(), to: gift.Locked}
	f := newFixtureOn(t, st, WithStoreRetry(fastStoreRetry))
	ctx := context.Background()
	g := f.lock(t, 10, "a", time.Hour)

	st.failures.Store(int32(fastStoreRetry.MaxAttempts))
	f.bank.FailNextPushes(1)
	if _, err := f.ledger.Claim(ctx, g.ID, "a", "carol"); !errors.Is(err, gift.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	stored, _ := f.store.Get(ctx, g.ID)
	if stored.State != gift.Claiming {
		t.Fatalf("rollback should have given up, got %s", stored.State)
	}

	f.clock.Advance(2 * time.Hour)
	receipt, err := f.ledger.RefundExpired(ctx, []int64{g.ID})
	if err != nil || receipt.Count(OutcomeSkipped) != 1 {
		t.Fatalf("stranded gift is not Locked yet: %v %+v", err, receipt.Results)
	}

	rep, err := f.ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.RolledBack != 1 {
		t.Fatalf("queued rollback should be applied: %+v", rep)
	}
	receipt, err = f.ledger.RefundExpired(ctx, []int64{g.ID})
	if err != nil || receipt.Count(OutcomeRefunded) != 1 {
		t.Fatalf("gift should be refundable after reconcile: %v %+v", err, receipt.Results)
	}
	if f.balance("alice") != 1_000 || f.balance("carol") != 0 {
		t.Fatalf("alice=%d carol=%d", f.balance("alice"), f.balance("carol"))
	}
}

func TestReconcileRepairsFailedFinalize(t *testing.T) {
	st := &failingTransitionStore{Store: store.NewMemory(), to: gift.Claimed}
	f := newFixtureOn(t, st, WithStoreRetry(fastStoreRetry))
	ctx := context.Background()
	g := f.lock(t, 10, "a", time.Hour)

	st.failures.Store(int32(fastStoreRetry.MaxAttempts))
	if _, err := f.ledger.Claim(ctx, g.ID, "a", "carol"); err != nil {
		t.Fatalf("assets moved, so the claim succeeds: %v", err)
	}
	stored, _ := f.store.Get(ctx, g.ID)
	if stored.State != gift.Claiming {
		t.Fatalf("finalize should have given up, got %s", stored.State)
	}

	rep, err := f.ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Settled != 1 {
		t.Fatalf("queued finalize should be applied: %+v", rep)
	}
	stored, _ = f.store.Get(ctx, g.ID)
	if stored.State != gift.Claimed || stored.Claimant != "carol" {
		t.Fatalf("unexpected record %+v", stored)
	}
	if f.bank.Pushes("carol") != 1 {
		t.Fatalf("payout pushed %d times", f.bank.Pushes("carol"))
	}
}

func TestReconcileLeavesUntrackedInFlightGifts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g, err := f.store.Create(ctx, gift.Gift{
		Asset: usdc, Gross: big.NewInt(5), Quantity: big.NewInt(5),
		Expiry: start.Add(time.Hour), CodeHash: f.ledger.Verifier().Hash("a"),
		State: gift.Refunding, Creator: "alice", CreatedAt: start,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rep, err := f.ledger.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Unresolved != 1 {
		t.Fatalf("expected one unresolved gift: %+v", rep)
	}
	stored, _ := f.store.Get(ctx, g.ID)
	if stored.State != gift.Refunding {
		t.Fatalf("untracked gift was moved to %s", stored.State)
	}
}

func TestUnconfirmedFeeIsNotPushedTwice(t *testing.T) {
	q, err := dlq.New(t.TempDir())
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}
	f := newFixture(t, WithFeePolicy(onePercent(t)), WithDeadLetters(q))
	ctx := context.Background()

	f.bank.UnconfirmNextPushes(1)
	f.bank.HoldConfirmations(true)
	f.lock(t, 100, "a", time.Hour)
	if f.balance("treasury") != 1 || f.ledger.PendingFees() != 1 {
		t.Fatalf("treasury=%d pending=%d", f.balance("treasury"), f.ledger.PendingFees())
	}

	rep, err := f.ledger.ReplayFees(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Remaining != 1 || f.balance("treasury") != 1 {
		t.Fatalf("pending fee must not be pushed again: %+v treasury=%d", rep, f.balance("treasury"))
	}

	f.bank.HoldConfirmations(false)
	rep, err = f.ledger.ReplayFees(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Delivered != 1 || f.balance("treasury") != 1 || f.ledger.PendingFees() != 0 {
		t.Fatalf("confirmed fee should clear: %+v treasury=%d", rep, f.balance("treasury"))
	}

	f.bank.DropNextPushes(1)
	f.lock(t, 100, "b", time.Hour)
	if f.balance("treasury") != 1 || f.ledger.PendingFees() != 1 {
		t.Fatalf("treasury=%d pending=%d", f.balance("treasury"), f.ledger.PendingFees())
	}
	rep, err = f.ledger.ReplayFees(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Delivered != 1 || f.balance("treasury") != 2 {
		t.Fatalf("reverted fee should be pushed again: %+v treasury=%d", rep, f.balance("treasury"))
	}
}
