package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"giftlock/internal/gift"
)

func TestClaimManyBatchIndependence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := f.lock(t, 10, "code", time.Hour)
	taken := f.lock(t, 20, "code", time.Hour)
	if _, err := f.ledger.Claim(ctx, taken.ID, "code", "dave"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	receipt, err := f.ledger.ClaimMany(ctx, []int64{valid.ID, taken.ID}, "code", "carol")
	if err != nil {
		t.Fatalf("claim many: %v", err)
	}
	if receipt.Results[0].Outcome != OutcomeClaimed {
		t.Fatalf("first id should succeed: %+v", receipt.Results[0])
	}
	if receipt.Results[1].Outcome != OutcomeFailed || !errors.Is(receipt.Results[1].Err, gift.ErrAlreadyResolved) {
		t.Fatalf("second id should report ErrAlreadyResolved: %+v", receipt.Results[1])
	}
	if f.balance("carol") != 10 || receipt.Total(usdc).Int64() != 10 {
		t.Fatalf("carol=%d total=%s", f.balance("carol"), receipt.Total(usdc))
	}
}

func TestClaimManyMultiGiftScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.lock(t, 15, "MULTI123", time.Hour)
	b := f.lock(t, 25, "MULTI123", time.Hour)

	found, err := f.ledger.GiftsForCode(ctx, "MULTI123")
	if err != nil || len(found) != 2 {
		t.Fatalf("lookup: %v %d", err, len(found))
	}

	receipt, err := f.ledger.ClaimMany(ctx, []int64{found[0].ID, found[1].ID}, "MULTI123", "carol")
	if err != nil {
		t.Fatalf("claim many: %v", err)
	}
	if receipt.Count(OutcomeClaimed) != 2 || receipt.Total(usdc).Int64() != 40 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if f.balance("carol") != 40 {
		t.Fatalf("carol=%d", f.balance("carol"))
	}
	for _, id := range []int64{a.ID, b.ID} {
		st, _ := f.ledger.Status(ctx, id)
		if st.State != gift.Claimed || st.Claimant != "carol" {
			t.Fatalf("gift %d: %+v", id, st)
		}
	}
}

func TestClaimManyPerIDFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok := f.lock(t, 10, "code", time.Hour)
	other := f.lock(t, 10, "different", time.Hour)
	soon := f.lock(t, 10, "code", time.Minute)
	f.clock.Advance(time.Minute)

	receipt, err := f.ledger.ClaimMany(ctx, []int64{ok.ID, other.ID, soon.ID, 404, ok.ID}, "code", "carol")
	if err != nil {
		t.Fatalf("claim many: %v", err)
	}
	want := []error{nil, gift.ErrBadCode, gift.ErrExpired, gift.ErrNotFound, gift.ErrAlreadyResolved}
	for i, w := range want {
		r := receipt.Results[i]
		if w == nil {
			if r.Outcome != OutcomeClaimed {
				t.Fatalf("result %d: %+v", i, r)
			}
			continue
		}
		if r.Outcome != OutcomeFailed || !errors.Is(r.Err, w) || r.Error == "" {
			t.Fatalf("result %d: want %v, got %+v", i, w, r)
		}
	}
	if f.balance("carol") != 10 {
		t.Fatalf("carol=%d", f.balance("carol"))
	}
}

func TestClaimManyRejectsMalformedBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.ClaimMany(ctx, nil, "code", "carol"); !errors.Is(err, gift.ErrInvalidInput) {
		t.Fatalf("empty batch: %v", err)
	}
	if _, err := f.ledger.ClaimMany(ctx, []int64{1}, "code", ""); !errors.Is(err, gift.ErrInvalidInput) {
		t.Fatalf("missing claimant: %v", err)
	}
	if _, err := f.ledger.ClaimMany(ctx, make([]int64, MaxBatch+1), "code", "carol"); !errors.Is(err, gift.ErrInvalidInput) {
		t.Fatalf("oversized batch: %v", err)
	}
}

func TestClaimManyWithFees(t *testing.T) {
	f := newFixture(t, WithFeePolicy(onePercent(t)))
	ctx := context.Background()

	a := f.lock(t, 100, "code", time.Hour)
	b := f.lock(t, 200, "code", time.Hour)

	receipt, err := f.ledger.ClaimMany(ctx, []int64{a.ID, b.ID}, "code", "carol")
	if err != nil {
		t.Fatalf("claim many: %v", err)
	}
	// 100 -> 99 custodied, 98 paid; 200 -> 198 custodied, 196 paid.
	if receipt.Total(usdc).Int64() != 294 || f.balance("carol") != 294 {
		t.Fatalf("total=%s carol=%d", receipt.Total(usdc), f.balance("carol"))
	}
	if f.balance("treasury") != 6 || f.balance("escrow") != 0 {
		t.Fatalf("treasury=%d escrow=%d", f.balance("treasury"), f.balance("escrow"))
	}
}
