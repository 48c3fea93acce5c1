// Package custody moves assets between depositors, the escrow account and
// recipients. Every call either completes in full or leaves balances
// untouched.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"giftlock/internal/gift"
)

// Adapter failures share the gift taxonomy so errors.Is works across layers.
var (
	ErrInsufficientFunds    = gift.ErrInsufficientFunds
	ErrInsufficientApproval = gift.ErrInsufficientApproval
	ErrTransferFailed       = gift.ErrTransferFailed
	ErrTransferUnconfirmed  = gift.ErrTransferUnconfirmed
)

// Adapter performs custody transfers for the ledger.
type Adapter interface {
	// Pull moves qty of asset from the depositor into escrow.
	Pull(ctx context.Context, from string, asset gift.Asset, qty *big.Int) error
	// Push moves qty of asset out of escrow to the recipient.
	Push(ctx context.Context, to string, asset gift.Asset, qty *big.Int) error
}

// HealthChecker is implemented by adapters backed by a remote substrate.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// UnconfirmedError is returned when a transfer was submitted but the
// adapter could not learn whether it took effect. The assets may already
// have moved, so the call must not be repeated; Ref is what TransferStatus
// takes to find out later.
type UnconfirmedError struct {
	Ref string
	Err error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrTransferUnconfirmed, e.Ref, e.Err)
}

func (e *UnconfirmedError) Unwrap() []error {
	return []error{ErrTransferUnconfirmed, e.Err}
}

// PendingRef returns the transfer reference carried by an unconfirmed
// transfer error.
func PendingRef(err error) (string, bool) {
	var ue *UnconfirmedError
	if errors.As(err, &ue) {
		return ue.Ref, true
	}
	return "", false
}

// TransferStatus is the settled outcome of a submitted transfer.
type TransferStatus int

const (
	TransferPending TransferStatus = iota
	TransferConfirmed
	TransferReverted
)

func (s TransferStatus) String() string {
	switch s {
	case TransferConfirmed:
		return "confirmed"
	case TransferReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// Confirmer is implemented by adapters that can report unconfirmed
// transfers.
type Confirmer interface {
	TransferStatus(ctx context.Context, ref string) (TransferStatus, error)
}
