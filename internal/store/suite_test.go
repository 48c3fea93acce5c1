package store

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"giftlock/internal/codehash"
	"giftlock/internal/gift"
)

var testEpoch = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestGift(creator, code string, expiry time.Time) gift.Gift {
	return gift.Gift{
		Asset:     gift.Asset{Kind: gift.Fungible, Ref: "usdc"},
		Gross:     big.NewInt(100),
		Quantity:  big.NewInt(99),
		Expiry:    expiry,
		CodeHash:  codehash.Verifier{}.Hash(code),
		Note:      "happy birthday",
		State:     gift.Locked,
		Creator:   creator,
		CreatedAt: testEpoch,
	}
}

// runStoreSuite checks the behaviour every Store implementation promises.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	a, err := s.Create(ctx, newTestGift("alice", "one", testEpoch.Add(time.Hour)))
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := s.Create(ctx, newTestGift("alice", "shared", testEpoch.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	c, err := s.Create(ctx, newTestGift("bob", "shared", testEpoch.Add(3*time.Hour)))
	if err != nil {
		t.Fatalf("create c: %v", err)
	}
	if !(a.ID < b.ID && b.ID < c.ID) {
		t.Fatalf("ids not increasing: %d %d %d", a.ID, b.ID, c.ID)
	}

	got, err := s.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Quantity.Cmp(big.NewInt(99)) != 0 || got.Gross.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("quantities not preserved: %s/%s", got.Quantity, got.Gross)
	}
	if got.CodeHash != b.CodeHash || got.State != gift.Locked || got.Note != "happy birthday" {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.Expiry.Equal(b.Expiry) {
		t.Fatalf("expiry changed: %v vs %v", got.Expiry, b.Expiry)
	}

	if _, err := s.Get(ctx, c.ID+1000); !errors.Is(err, gift.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	shared, err := s.ListByCodeHash(ctx, codehash.Verifier{}.Hash("shared"))
	if err != nil {
		t.Fatalf("list by code: %v", err)
	}
	if len(shared) != 2 || shared[0].ID != b.ID || shared[1].ID != c.ID {
		t.Fatalf("unexpected code hash listing: %+v", shared)
	}

	mine, err := s.ListByCreator(ctx, "alice")
	if err != nil {
		t.Fatalf("list by creator: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 gifts for alice, got %d", len(mine))
	}

	// CAS transitions.
	claiming, err := s.Transition(ctx, Transition{ID: a.ID, From: gift.Locked, To: gift.Claiming, Claimant: "carol", At: testEpoch})
	if err != nil {
		t.Fatalf("lock->claiming: %v", err)
	}
	if claiming.State != gift.Claiming || claiming.Claimant != "carol" {
		t.Fatalf("unexpected claiming record %+v", claiming)
	}
	if _, err := s.Transition(ctx, Transition{ID: a.ID, From: gift.Locked, To: gift.Refunding, At: testEpoch}); !errors.Is(err, gift.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	rolled, err := s.Transition(ctx, Transition{ID: a.ID, From: gift.Claiming, To: gift.Locked, At: testEpoch})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rolled.State != gift.Locked || rolled.Claimant != "" {
		t.Fatalf("rollback left %+v", rolled)
	}

	if _, err := s.Transition(ctx, Transition{ID: a.ID, From: gift.Locked, To: gift.Claimed}); !errors.Is(err, gift.ErrInvalidInput) {
		t.Fatalf("expected direct locked->claimed to be rejected, got %v", err)
	}
	if _, err := s.Transition(ctx, Transition{ID: c.ID + 1000, From: gift.Locked, To: gift.Claiming}); !errors.Is(err, gift.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Expiry listing only returns Locked records.
	if _, err := s.Transition(ctx, Transition{ID: b.ID, From: gift.Locked, To: gift.Refunding, At: testEpoch}); err != nil {
		t.Fatalf("lock->refunding: %v", err)
	}
	ids, err := s.ListExpired(ctx, testEpoch.Add(3*time.Hour), 0, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(ids) != 2 || ids[0] != a.ID || ids[1] != c.ID {
		t.Fatalf("unexpected expired ids %v", ids)
	}
	ids, err = s.ListExpired(ctx, testEpoch.Add(3*time.Hour), a.ID, 10)
	if err != nil {
		t.Fatalf("list expired after cursor: %v", err)
	}
	if len(ids) != 1 || ids[0] != c.ID {
		t.Fatalf("cursor not honoured: %v", ids)
	}
	ids, err = s.ListExpired(ctx, testEpoch, 0, 10)
	if err != nil {
		t.Fatalf("list expired early: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("nothing should be expired yet: %v", ids)
	}

	refunded, err := s.Transition(ctx, Transition{ID: b.ID, From: gift.Refunding, To: gift.Refunded, At: testEpoch.Add(time.Minute)})
	if err != nil {
		t.Fatalf("refunding->refunded: %v", err)
	}
	if !refunded.ResolvedAt.Equal(testEpoch.Add(time.Minute)) {
		t.Fatalf("resolved time not recorded: %v", refunded.ResolvedAt)
	}
}

// runConcurrentTransitionSuite races many writers on one record.
func runConcurrentTransitionSuite(t *testing.T, s Store) {
	ctx := context.Background()
	g, err := s.Create(ctx, newTestGift("alice", "race", testEpoch.Add(time.Hour)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, Transition{ID: g.ID, From: gift.Locked, To: gift.Claiming, Claimant: "x"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, gift.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != n-1 {
		t.Fatalf("wins=%d conflicts=%d", wins.Load(), conflicts.Load())
	}
}

// runInFlightSuite checks the listing and annotation of records whose
// transfer is outstanding.
func runInFlightSuite(t *testing.T, s Store) {
	ctx := context.Background()

	pending := newTestGift("alice", "deposit", testEpoch.Add(time.Hour))
	pending.State = gift.Depositing
	pending.TransferRef = "tx-deposit"
	d, err := s.Create(ctx, pending)
	if err != nil {
		t.Fatalf("create depositing: %v", err)
	}
	l, err := s.Create(ctx, newTestGift("alice", "locked", testEpoch.Add(time.Hour)))
	if err != nil {
		t.Fatalf("create locked: %v", err)
	}
	c, err := s.Create(ctx, newTestGift("bob", "claim", testEpoch.Add(time.Hour)))
	if err != nil {
		t.Fatalf("create claimable: %v", err)
	}

	if ids, err := s.ListExpired(ctx, testEpoch.Add(2*time.Hour), 0, 10); err != nil || len(ids) != 2 {
		t.Fatalf("a depositing gift must not be refundable: %v %v", ids, err)
	}

	if _, err := s.Transition(ctx, Transition{ID: c.ID, From: gift.Locked, To: gift.Claiming, Claimant: "carol", At: testEpoch}); err != nil {
		t.Fatalf("lock->claiming: %v", err)
	}
	if _, err := s.SetTransferRef(ctx, l.ID, gift.Claiming, "tx-x"); !errors.Is(err, gift.ErrConflict) {
		t.Fatalf("expected ErrConflict for a locked record, got %v", err)
	}
	if _, err := s.SetTransferRef(ctx, c.ID, gift.Locked, "tx-x"); !errors.Is(err, gift.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a settled state, got %v", err)
	}
	marked, err := s.SetTransferRef(ctx, c.ID, gift.Claiming, "tx-claim")
	if err != nil {
		t.Fatalf("set transfer ref: %v", err)
	}
	if marked.TransferRef != "tx-claim" || marked.State != gift.Claiming || marked.Claimant != "carol" {
		t.Fatalf("unexpected marked record %+v", marked)
	}

	flying, err := s.ListInFlight(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list in flight: %v", err)
	}
	if len(flying) != 2 || flying[0].ID != d.ID || flying[1].ID != c.ID {
		t.Fatalf("unexpected in-flight listing %+v", flying)
	}
	if flying[0].TransferRef != "tx-deposit" || flying[1].TransferRef != "tx-claim" {
		t.Fatalf("transfer refs not persisted: %+v", flying)
	}
	if after, _ := s.ListInFlight(ctx, d.ID, 10); len(after) != 1 || after[0].ID != c.ID {
		t.Fatalf("cursor not honoured: %+v", after)
	}

	rolled, err := s.Transition(ctx, Transition{ID: c.ID, From: gift.Claiming, To: gift.Locked, At: testEpoch})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rolled.TransferRef != "" {
		t.Fatalf("rollback kept transfer ref %q", rolled.TransferRef)
	}
	locked, err := s.Transition(ctx, Transition{ID: d.ID, From: gift.Depositing, To: gift.Locked, At: testEpoch})
	if err != nil {
		t.Fatalf("depositing->locked: %v", err)
	}
	if locked.State != gift.Locked {
		t.Fatalf("unexpected state %s", locked.State)
	}
	if flying, _ := s.ListInFlight(ctx, 0, 10); len(flying) != 0 {
		t.Fatalf("settled records still listed: %+v", flying)
	}
	if ids, _ := s.ListExpired(ctx, testEpoch.Add(2*time.Hour), 0, 10); len(ids) != 3 {
		t.Fatalf("settled deposit should be refundable, got %v", ids)
	}
}
