package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"giftlock/internal/gift"
)

var (
	_ Adapter   = (*Bank)(nil)
	_ Confirmer = (*Bank)(nil)
)

// Direction of a recorded movement.
type Direction string

const (
	DirPull Direction = "pull"
	DirPush Direction = "push"
)

// Movement is one completed transfer through the bank.
type Movement struct {
	Direction Direction
	Account   string
	Asset     gift.Asset
	Quantity  *big.Int
}

type holding struct {
	account string
	ref     string
}

type unit struct {
	ref string
	id  string
}

// Bank is an in-memory asset ledger with ERC-20/ERC-721 style balances and
// approvals. It backs development mode and tests, and can be told to fail
// upcoming calls.
type Bank struct {
	escrow string

	mu         sync.Mutex
	balances   map[holding]*big.Int
	allowances map[holding]*big.Int
	owners     map[unit]string
	approved   map[unit]bool
	operators  map[holding]bool
	movements  []Movement

	failPulls  int
	failPushes int
	failTo     map[string]bool

	// unconfirmed calls: "slow" ones move assets, "dropped" ones do not
	slowPulls     int
	slowPushes    int
	droppedPulls  int
	droppedPushes int
	refs          map[string]TransferStatus
	refSeq        int
	holdRefs      bool
}

// NewBank creates a bank whose custody account is named escrow.
func NewBank(escrow string) *Bank {
	return &Bank{
		escrow:     escrow,
		balances:   make(map[holding]*big.Int),
		allowances: make(map[holding]*big.Int),
		owners:     make(map[unit]string),
		approved:   make(map[unit]bool),
		operators:  make(map[holding]bool),
		failTo:     make(map[string]bool),
		refs:       make(map[string]TransferStatus),
	}
}

// Escrow returns the custody account name.
func (b *Bank) Escrow() string { return b.escrow }

// Mint credits qty of a fungible asset to account.
func (b *Bank) Mint(account, ref string, qty int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(holding{account, ref}, big.NewInt(qty))
}

// MintUnit assigns a unique unit to account.
func (b *Bank) MintUnit(account, ref, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owners[unit{ref, id}] = account
}

// Approve lets the escrow pull up to qty of ref from account.
func (b *Bank) Approve(account, ref string, qty int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[holding{account, ref}] = big.NewInt(qty)
}

// ApproveUnit lets the escrow pull a single unique unit.
func (b *Bank) ApproveUnit(ref, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approved[unit{ref, id}] = true
}

// SetOperator lets the escrow pull any unit of ref owned by account.
func (b *Bank) SetOperator(account, ref string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.operators[holding{account, ref}] = ok
}

// Balance returns the fungible balance of account.
func (b *Bank) Balance(account, ref string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.balances[holding{account, ref}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// OwnerOf returns the current owner of a unique unit.
func (b *Bank) OwnerOf(ref, id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owners[unit{ref, id}]
}

// FailNextPulls makes the next n pulls fail with ErrTransferFailed.
func (b *Bank) FailNextPulls(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPulls = n
}

// FailNextPushes makes the next n pushes fail with ErrTransferFailed.
func (b *Bank) FailNextPushes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPushes = n
}

// FailPushesTo makes every push to account fail until cleared.
func (b *Bank) FailPushesTo(account string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fail {
		b.failTo[account] = true
		return
	}
	delete(b.failTo, account)
}

// UnconfirmNextPulls makes the next n pulls move the assets but report
// them as unconfirmed.
func (b *Bank) UnconfirmNextPulls(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slowPulls = n
}

// UnconfirmNextPushes makes the next n pushes move the assets but report
// them as unconfirmed.
func (b *Bank) UnconfirmNextPushes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slowPushes = n
}

// DropNextPulls makes the next n pulls report as unconfirmed without moving
// anything. Their status later reads as reverted.
func (b *Bank) DropNextPulls(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.droppedPulls = n
}

// DropNextPushes is DropNextPulls for pushes.
func (b *Bank) DropNextPushes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.droppedPushes = n
}

// HoldConfirmations keeps every unconfirmed transfer pending while set.
func (b *Bank) HoldConfirmations(hold bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdRefs = hold
}

// TransferStatus reports the outcome of a transfer returned as unconfirmed.
func (b *Bank) TransferStatus(ctx context.Context, ref string) (TransferStatus, error) {
	if err := ctx.Err(); err != nil {
		return TransferPending, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.refs[ref]
	if !ok {
		return TransferPending, fmt.Errorf("unknown transfer %q", ref)
	}
	if b.holdRefs {
		return TransferPending, nil
	}
	return st, nil
}

// Movements returns the completed transfers in order.
func (b *Bank) Movements() []Movement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Movement, len(b.movements))
	copy(out, b.movements)
	return out
}

// Pushes counts completed pushes to account.
func (b *Bank) Pushes(account string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.movements {
		if m.Direction == DirPush && m.Account == account {
			n++
		}
	}
	return n
}

func (b *Bank) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (b *Bank) Pull(ctx context.Context, from string, asset gift.Asset, qty *big.Int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if qty == nil || qty.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive quantity", gift.ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failPulls > 0 {
		b.failPulls--
		return fmt.Errorf("%w: injected pull failure", ErrTransferFailed)
	}
	if b.droppedPulls > 0 {
		b.droppedPulls--
		return b.unconfirmed(TransferReverted)
	}

	switch asset.Kind {
	case gift.Fungible:
		src := holding{from, asset.Ref}
		if b.balanceOf(src).Cmp(qty) < 0 {
			return ErrInsufficientFunds
		}
		allowance := b.allowances[src]
		if allowance == nil || allowance.Cmp(qty) < 0 {
			return ErrInsufficientApproval
		}
		allowance.Sub(allowance, qty)
		b.debit(src, qty)
		b.credit(holding{b.escrow, asset.Ref}, qty)
	case gift.Unique:
		u := unit{asset.Ref, asset.UnitRef}
		if b.owners[u] != from {
			return ErrInsufficientFunds
		}
		if !b.approved[u] && !b.operators[holding{from, asset.Ref}] {
			return ErrInsufficientApproval
		}
		delete(b.approved, u)
		b.owners[u] = b.escrow
	default:
		return fmt.Errorf("%w: unknown asset kind", gift.ErrInvalidInput)
	}

	b.record(DirPull, from, asset, qty)
	if b.slowPulls > 0 {
		b.slowPulls--
		return b.unconfirmed(TransferConfirmed)
	}
	return nil
}

func (b *Bank) Push(ctx context.Context, to string, asset gift.Asset, qty *big.Int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if qty == nil || qty.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive quantity", gift.ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failTo[to] {
		return fmt.Errorf("%w: recipient %s unavailable", ErrTransferFailed, to)
	}
	if b.failPushes > 0 {
		b.failPushes--
		return fmt.Errorf("%w: injected push failure", ErrTransferFailed)
	}
	if b.droppedPushes > 0 {
		b.droppedPushes--
		return b.unconfirmed(TransferReverted)
	}

	switch asset.Kind {
	case gift.Fungible:
		src := holding{b.escrow, asset.Ref}
		if b.balanceOf(src).Cmp(qty) < 0 {
			return fmt.Errorf("%w: escrow balance too low", ErrTransferFailed)
		}
		b.debit(src, qty)
		b.credit(holding{to, asset.Ref}, qty)
	case gift.Unique:
		u := unit{asset.Ref, asset.UnitRef}
		if b.owners[u] != b.escrow {
			return fmt.Errorf("%w: unit not in escrow", ErrTransferFailed)
		}
		b.owners[u] = to
	default:
		return fmt.Errorf("%w: unknown asset kind", gift.ErrInvalidInput)
	}

	b.record(DirPush, to, asset, qty)
	if b.slowPushes > 0 {
		b.slowPushes--
		return b.unconfirmed(TransferConfirmed)
	}
	return nil
}

// unconfirmed registers a transfer reference that will settle as outcome.
func (b *Bank) unconfirmed(outcome TransferStatus) error {
	b.refSeq++
	ref := "bank-tx-" + strconv.Itoa(b.refSeq)
	b.refs[ref] = outcome
	return &UnconfirmedError{Ref: ref, Err: errors.New("confirmation timed out")}
}

func (b *Bank) balanceOf(h holding) *big.Int {
	if v, ok := b.balances[h]; ok {
		return v
	}
	return new(big.Int)
}

func (b *Bank) credit(h holding, qty *big.Int) {
	v, ok := b.balances[h]
	if !ok {
		v = new(big.Int)
		b.balances[h] = v
	}
	v.Add(v, qty)
}

func (b *Bank) debit(h holding, qty *big.Int) {
	b.balances[h].Sub(b.balances[h], qty)
}

func (b *Bank) record(dir Direction, account string, asset gift.Asset, qty *big.Int) {
	b.movements = append(b.movements, Movement{
		Direction: dir,
		Account:   account,
		Asset:     asset,
		Quantity:  new(big.Int).Set(qty),
	})
}
