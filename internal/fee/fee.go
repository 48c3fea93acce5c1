// Package fee computes the creation and claim fees taken from escrowed
// fungible deposits.
package fee

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"giftlock/internal/gift"
)

// Denominator is the basis-point scale: 100 bps = 1%.
const Denominator = 10_000

var ErrInvalidPolicy = errors.New("invalid fee policy")

// Policy is a flat basis-point rate charged once on creation and once on
// claim. Zero basis points is the no-fee policy.
type Policy struct {
	BasisPoints uint32
	Recipient   string
}

// None is the no-fee policy.
var None = Policy{}

// Percentage builds a percentage policy paying to recipient.
func Percentage(bps uint32, recipient string) (Policy, error) {
	p := Policy{BasisPoints: bps, Recipient: strings.TrimSpace(recipient)}
	return p, p.Validate()
}

func (p Policy) Validate() error {
	if p.BasisPoints >= Denominator {
		return fmt.Errorf("%w: basis points must be below %d", ErrInvalidPolicy, Denominator)
	}
	if p.BasisPoints > 0 && p.Recipient == "" {
		return fmt.Errorf("%w: recipient is required when fees are enabled", ErrInvalidPolicy)
	}
	return nil
}

// Enabled reports whether any fee can be charged.
func (p Policy) Enabled() bool {
	return p.BasisPoints > 0
}

// CreationFee is charged on the gross quantity the creator deposits.
func (p Policy) CreationFee(kind gift.AssetKind, gross *big.Int) *big.Int {
	return p.portion(kind, gross)
}

// ClaimFee is charged when a gift is claimed. It is computed on the gross
// deposit, the same base as the creation fee, and never exceeds what is
// still custodied.
func (p Policy) ClaimFee(kind gift.AssetKind, gross, custodied *big.Int) *big.Int {
	f := p.portion(kind, gross)
	if custodied != nil && f.Cmp(custodied) > 0 {
		f.Set(custodied)
	}
	return f
}

// portion truncates: quantities below Denominator/bps pay nothing.
func (p Policy) portion(kind gift.AssetKind, base *big.Int) *big.Int {
	if !p.Enabled() || kind != gift.Fungible || base == nil || base.Sign() <= 0 {
		return new(big.Int)
	}
	f := new(big.Int).Mul(base, big.NewInt(int64(p.BasisPoints)))
	return f.Quo(f, big.NewInt(Denominator))
}

func (p Policy) String() string {
	if !p.Enabled() {
		return "none"
	}
	return fmt.Sprintf("%dbps->%s", p.BasisPoints, p.Recipient)
}
