package custody

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"giftlock/internal/gift"
)

func TestBankFungiblePullPush(t *testing.T) {
	ctx := context.Background()
	b := NewBank("escrow")
	token := gift.Asset{Kind: gift.Fungible, Ref: "usdc"}

	b.Mint("alice", "usdc", 50)
	if err := b.Pull(ctx, "alice", token, big.NewInt(100)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	b.Mint("alice", "usdc", 50)
	if err := b.Pull(ctx, "alice", token, big.NewInt(100)); !errors.Is(err, ErrInsufficientApproval) {
		t.Fatalf("expected ErrInsufficientApproval, got %v", err)
	}

	b.Approve("alice", "usdc", 100)
	if err := b.Pull(ctx, "alice", token, big.NewInt(100)); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if b.Balance("escrow", "usdc").Int64() != 100 || b.Balance("alice", "usdc").Sign() != 0 {
		t.Fatalf("unexpected balances after pull")
	}

	if err := b.Push(ctx, "bob", token, big.NewInt(101)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed on overdraw, got %v", err)
	}
	if err := b.Push(ctx, "bob", token, big.NewInt(60)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if b.Balance("bob", "usdc").Int64() != 60 || b.Balance("escrow", "usdc").Int64() != 40 {
		t.Fatalf("unexpected balances after push")
	}
	if b.Pushes("bob") != 1 {
		t.Fatalf("expected one push to bob")
	}
}

func TestBankUniquePullPush(t *testing.T) {
	ctx := context.Background()
	b := NewBank("escrow")
	nft := gift.Asset{Kind: gift.Unique, Ref: "punks", UnitRef: "7"}
	one := big.NewInt(1)

	b.MintUnit("carol", "punks", "7")
	if err := b.Pull(ctx, "alice", nft, one); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("non-owner pull: %v", err)
	}
	if err := b.Pull(ctx, "carol", nft, one); !errors.Is(err, ErrInsufficientApproval) {
		t.Fatalf("unapproved pull: %v", err)
	}
	b.SetOperator("carol", "punks", true)
	if err := b.Pull(ctx, "carol", nft, one); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if b.OwnerOf("punks", "7") != "escrow" {
		t.Fatalf("unit not in escrow")
	}
	if err := b.Push(ctx, "dave", nft, one); err != nil {
		t.Fatalf("push: %v", err)
	}
	if b.OwnerOf("punks", "7") != "dave" {
		t.Fatalf("unit not delivered")
	}
	if err := b.Push(ctx, "erin", nft, one); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("double push must fail, got %v", err)
	}
}

func TestBankFaultInjectionLeavesBalances(t *testing.T) {
	ctx := context.Background()
	b := NewBank("escrow")
	token := gift.Asset{Kind: gift.Fungible, Ref: "usdc"}
	b.Mint("escrow", "usdc", 10)

	b.FailNextPushes(1)
	if err := b.Push(ctx, "bob", token, big.NewInt(5)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if b.Balance("escrow", "usdc").Int64() != 10 {
		t.Fatalf("failed push moved funds")
	}
	if err := b.Push(ctx, "bob", token, big.NewInt(5)); err != nil {
		t.Fatalf("second push: %v", err)
	}

	b.FailPushesTo("bob", true)
	if err := b.Push(ctx, "bob", token, big.NewInt(1)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected recipient failure, got %v", err)
	}
	if len(b.Movements()) != 1 {
		t.Fatalf("expected one recorded movement, got %d", len(b.Movements()))
	}
}

func TestBankUnconfirmedTransfers(t *testing.T) {
	ctx := context.Background()
	b := NewBank("escrow")
	token := gift.Asset{Kind: gift.Fungible, Ref: "usdc"}
	b.Mint("escrow", "usdc", 10)

	b.UnconfirmNextPushes(1)
	err := b.Push(ctx, "bob", token, big.NewInt(4))
	if !errors.Is(err, ErrTransferUnconfirmed) || errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected an unconfirmed error that is not a failure, got %v", err)
	}
	slow, ok := PendingRef(err)
	if !ok {
		t.Fatalf("unconfirmed error carries no reference")
	}
	if got := b.Balance("bob", "usdc").Int64(); got != 4 {
		t.Fatalf("slow push must still move funds, bob has %d", got)
	}

	b.DropNextPushes(1)
	err = b.Push(ctx, "bob", token, big.NewInt(4))
	dropped, _ := PendingRef(err)
	if got := b.Balance("bob", "usdc").Int64(); got != 4 {
		t.Fatalf("dropped push moved funds, bob has %d", got)
	}

	b.HoldConfirmations(true)
	if st, _ := b.TransferStatus(ctx, slow); st != TransferPending {
		t.Fatalf("held transfer reads %s", st)
	}
	b.HoldConfirmations(false)
	if st, _ := b.TransferStatus(ctx, slow); st != TransferConfirmed {
		t.Fatalf("slow transfer reads %s", st)
	}
	if st, _ := b.TransferStatus(ctx, dropped); st != TransferReverted {
		t.Fatalf("dropped transfer reads %s", st)
	}
	if _, err := b.TransferStatus(ctx, "nope"); err == nil {
		t.Fatalf("unknown reference should fail")
	}
}
