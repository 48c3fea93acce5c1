package ledger

import (
	"math/big"
	"time"

	"giftlock/internal/gift"
)

// ClaimReceipt describes a successful single claim.
type ClaimReceipt struct {
	ID        string     `json:"id"`
	GiftID    int64      `json:"giftId"`
	Claimant  string     `json:"claimant"`
	Asset     gift.Asset `json:"asset"`
	Payout    *big.Int   `json:"payout"`
	Fee       *big.Int   `json:"fee"`
	ClaimedAt time.Time  `json:"claimedAt"`
}

// RefundReceipt describes a successful refund to the creator.
type RefundReceipt struct {
	ID         string     `json:"id"`
	GiftID     int64      `json:"giftId"`
	Creator    string     `json:"creator"`
	Asset      gift.Asset `json:"asset"`
	Amount     *big.Int   `json:"amount"`
	RefundedAt time.Time  `json:"refundedAt"`
}

// Outcome is the per-id result of a batch call.
type Outcome string

const (
	OutcomeClaimed  Outcome = "claimed"
	OutcomeRefunded Outcome = "refunded"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
	// OutcomePending means the transfer was submitted but not confirmed.
	// Reconcile settles it.
	OutcomePending Outcome = "pending"
)

// Result reports what happened to one id in a batch. Err is set for failed
// ids, and for skipped ids it carries the reason.
type Result struct {
	GiftID  int64      `json:"giftId"`
	Outcome Outcome    `json:"outcome"`
	Asset   gift.Asset `json:"asset"`
	Amount  *big.Int   `json:"amount,omitempty"`
	Fee     *big.Int   `json:"fee,omitempty"`
	Err     error      `json:"-"`
	Error   string     `json:"error,omitempty"`
}

// AssetTotal is the amount moved of one asset across a batch.
type AssetTotal struct {
	Asset  gift.Asset `json:"asset"`
	Amount *big.Int   `json:"amount"`
}

// BatchReceipt lists per-id results in request order plus per-asset totals
// of what was released.
type BatchReceipt struct {
	ID      string       `json:"id"`
	Results []Result     `json:"results"`
	Totals  []AssetTotal `json:"totals"`
}

// Count returns how many results have the given outcome.
func (b BatchReceipt) Count(o Outcome) int {
	n := 0
	for _, r := range b.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// Total returns the released amount of asset, zero when none.
func (b BatchReceipt) Total(asset gift.Asset) *big.Int {
	for _, t := range b.Totals {
		if totalKey(t.Asset) == totalKey(asset) {
			return new(big.Int).Set(t.Amount)
		}
	}
	return new(big.Int)
}

func (b *BatchReceipt) add(r Result) {
	if r.Err != nil {
		r.Error = r.Err.Error()
	}
	b.Results = append(b.Results, r)
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return
	}
	if r.Outcome != OutcomeClaimed && r.Outcome != OutcomeRefunded {
		return
	}
	key := totalKey(r.Asset)
	for i := range b.Totals {
		if totalKey(b.Totals[i].Asset) == key {
			b.Totals[i].Amount.Add(b.Totals[i].Amount, r.Amount)
			return
		}
	}
	// Unique units are distinct assets but share a collection total.
	asset := r.Asset
	asset.UnitRef = ""
	b.Totals = append(b.Totals, AssetTotal{Asset: asset, Amount: new(big.Int).Set(r.Amount)})
}

func totalKey(a gift.Asset) string {
	return a.Kind.String() + ":" + a.Ref
}
