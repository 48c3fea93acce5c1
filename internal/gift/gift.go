// Package gift defines the escrowed gift record and the error taxonomy
// shared by the ledger, its stores and its transports.
package gift

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"giftlock/internal/codehash"
)

// MaxNoteSize bounds the free-form note in bytes.
const MaxNoteSize = 256

// AssetKind distinguishes quantity-based tokens from one-of-a-kind collectibles.
type AssetKind uint8

const (
	Fungible AssetKind = iota + 1
	Unique
)

func (k AssetKind) String() string {
	switch k {
	case Fungible:
		return "fungible"
	case Unique:
		return "unique"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseAssetKind accepts the names produced by String.
func ParseAssetKind(s string) (AssetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fungible", "erc20", "token":
		return Fungible, nil
	case "unique", "erc721", "nft", "collectible":
		return Unique, nil
	default:
		return 0, fmt.Errorf("%w: unknown asset kind %q", ErrInvalidInput, s)
	}
}

func (k AssetKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *AssetKind) UnmarshalText(b []byte) error {
	parsed, err := ParseAssetKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// State is the lifecycle position of a gift.
//
// Claiming and Refunding mark a release whose transfer has not been
// confirmed yet. They either advance to Claimed/Refunded or roll back to
// Locked, and readers see them as Locked. Depositing marks a deposit whose
// pull was broadcast but not confirmed; it becomes Locked once the deposit
// lands or Voided if it never does.
type State uint8

const (
	Locked State = iota + 1
	Claiming
	Claimed
	Refunding
	Refunded
	Depositing
	Voided
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Claiming:
		return "claiming"
	case Claimed:
		return "claimed"
	case Refunding:
		return "refunding"
	case Refunded:
		return "refunded"
	case Depositing:
		return "depositing"
	case Voided:
		return "voided"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState accepts the names produced by String.
func ParseState(s string) (State, error) {
	for st := Locked; st <= Voided; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown gift state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Claimed || s == Refunded || s == Voided
}

// InFlight reports whether a transfer for the record is still outstanding.
func (s State) InFlight() bool {
	return s == Claiming || s == Refunding || s == Depositing
}

// Visible maps in-flight states to what readers observe.
func (s State) Visible() State {
	if s == Claiming || s == Refunding {
		return Locked
	}
	return s
}

// Asset identifies what is held in custody.
type Asset struct {
	Kind    AssetKind `json:"kind"`
	Ref     string    `json:"ref"`
	UnitRef string    `json:"unitRef,omitempty"`
}

func (a Asset) String() string {
	if a.Kind == Unique {
		return fmt.Sprintf("%s:%s#%s", a.Kind, a.Ref, a.UnitRef)
	}
	return fmt.Sprintf("%s:%s", a.Kind, a.Ref)
}

// Gift is a single escrowed deposit.
type Gift struct {
	ID         int64           `json:"id"`
	Asset      Asset           `json:"asset"`
	Gross      *big.Int        `json:"gross"`
	Quantity   *big.Int        `json:"quantity"`
	Expiry     time.Time       `json:"expiry"`
	CodeHash   codehash.Digest `json:"codeHash"`
	Note       string          `json:"note,omitempty"`
	State      State           `json:"state"`
	Creator    string          `json:"creator"`
	Claimant   string          `json:"claimant,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt time.Time       `json:"resolvedAt,omitempty"`
	// TransferRef identifies a broadcast transfer whose outcome is not
	// known yet, such as a transaction hash.
	TransferRef string `json:"transferRef,omitempty"`
}

// Expired reports whether now is at or past the expiry.
func (g Gift) Expired(now time.Time) bool {
	return !now.Before(g.Expiry)
}

// CreationFee is the part of the deposit kept back when the gift was locked.
func (g Gift) CreationFee() *big.Int {
	if g.Gross == nil || g.Quantity == nil {
		return new(big.Int)
	}
	return new(big.Int).Sub(g.Gross, g.Quantity)
}

// Clone returns a deep copy so callers cannot alias stored quantities.
func (g Gift) Clone() Gift {
	out := g
	if g.Gross != nil {
		out.Gross = new(big.Int).Set(g.Gross)
	}
	if g.Quantity != nil {
		out.Quantity = new(big.Int).Set(g.Quantity)
	}
	return out
}

// Validate checks the fields a store requires before appending a record.
func (g Gift) Validate() error {
	if err := g.Asset.Validate(); err != nil {
		return err
	}
	if g.Quantity == nil || g.Quantity.Sign() <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if g.Gross == nil || g.Gross.Cmp(g.Quantity) < 0 {
		return fmt.Errorf("%w: gross must cover quantity", ErrInvalidInput)
	}
	if g.Expiry.IsZero() {
		return fmt.Errorf("%w: expiry is required", ErrInvalidInput)
	}
	if g.CodeHash.IsZero() {
		return fmt.Errorf("%w: code hash is required", ErrInvalidInput)
	}
	if len(g.Note) > MaxNoteSize {
		return fmt.Errorf("%w: note exceeds %d bytes", ErrInvalidInput, MaxNoteSize)
	}
	if strings.TrimSpace(g.Creator) == "" {
		return fmt.Errorf("%w: creator is required", ErrInvalidInput)
	}
	return nil
}

// Validate checks the asset identity.
func (a Asset) Validate() error {
	switch a.Kind {
	case Fungible:
	case Unique:
		if strings.TrimSpace(a.UnitRef) == "" {
			return fmt.Errorf("%w: unit ref is required for unique assets", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown asset kind", ErrInvalidInput)
	}
	if strings.TrimSpace(a.Ref) == "" {
		return fmt.Errorf("%w: asset ref is required", ErrInvalidInput)
	}
	return nil
}

// CanTransition reports whether a stored record may move from one state to
// another. Rollbacks from the in-flight states back to Locked are allowed.
func CanTransition(from, to State) bool {
	switch from {
	case Depositing:
		return to == Locked || to == Voided
	case Locked:
		return to == Claiming || to == Refunding
	case Claiming:
		return to == Claimed || to == Locked
	case Refunding:
		return to == Refunded || to == Locked
	}
	return false
}
