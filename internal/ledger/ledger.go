// Package ledger is the code-gated escrow engine. It locks deposits against a
// code hash and an expiry, releases them to whoever presents the code in
// time, and refunds creators once a gift has expired.
//
// Every release follows the same shape: compare-and-swap the record into an
// in-flight state, push the assets, then finalize. A failed push rolls the
// record back to Locked so the gift can be claimed or refunded later. A push
// whose outcome is unknown leaves the record in flight for Reconcile.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"giftlock/internal/clock"
	"giftlock/internal/codehash"
	"giftlock/internal/custody"
	"giftlock/internal/dlq"
	"giftlock/internal/fee"
	"giftlock/internal/gift"
	"giftlock/internal/metrics"
	"giftlock/internal/retry"
	"giftlock/internal/store"
)

// MaxBatch bounds the number of ids a single batch call may carry.
const MaxBatch = 256

const defaultTransferTimeout = 30 * time.Second

// defaultStoreRetry covers the store writes that follow a custody call, where
// giving up leaves a record out of step with the assets.
var defaultStoreRetry = retry.Policy{
	MaxAttempts:       5,
	InitialBackoff:    50 * time.Millisecond,
	MaxBackoff:        time.Second,
	BackoffMultiplier: 2,
}

type Ledger struct {
	store    store.Store
	custody  custody.Adapter
	fees     fee.Policy
	clock    clock.Clock
	verifier codehash.Verifier
	retry    retry.Policy
	stRetry  retry.Policy
	dlq      *dlq.Queue
	log      *slog.Logger
	metrics  *metrics.Registry

	transferTimeout time.Duration
	locks           *keyedMutex
	repairs         *repairQueue
}

type Option func(*Ledger)

func WithFeePolicy(p fee.Policy) Option { return func(l *Ledger) { l.fees = p } }

func WithClock(c clock.Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithVerifier(v codehash.Verifier) Option { return func(l *Ledger) { l.verifier = v } }

// WithRetry sets how often a failed push is retried before the ledger gives
// up. Pulls are never retried.
func WithRetry(p retry.Policy) Option { return func(l *Ledger) { l.retry = p } }

// WithStoreRetry sets how often the ledger retries the store write that
// settles a record after its assets moved, or rolls it back after they did
// not.
func WithStoreRetry(p retry.Policy) Option { return func(l *Ledger) { l.stRetry = p } }

// WithDeadLetters stores fee payments that could not be delivered.
func WithDeadLetters(q *dlq.Queue) Option { return func(l *Ledger) { l.dlq = q } }

func WithLogger(log *slog.Logger) Option { return func(l *Ledger) { l.log = log } }

func WithMetrics(m *metrics.Registry) Option { return func(l *Ledger) { l.metrics = m } }

// WithTransferTimeout bounds every individual custody call.
func WithTransferTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.transferTimeout = d }
}

func New(st store.Store, adapter custody.Adapter, opts ...Option) (*Ledger, error) {
	if st == nil {
		return nil, errors.New("ledger: store is required")
	}
	if adapter == nil {
		return nil, errors.New("ledger: custody adapter is required")
	}

	l := &Ledger{
		store:           st,
		custody:         adapter,
		fees:            fee.None,
		clock:           clock.System{},
		verifier:        codehash.Verifier{Algorithm: codehash.Keccak256},
		retry:           retry.Once,
		stRetry:         defaultStoreRetry,
		log:             slog.Default(),
		transferTimeout: defaultTransferTimeout,
		locks:           newKeyedMutex(),
		repairs:         newRepairQueue(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.fees.Validate(); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if l.transferTimeout <= 0 {
		l.transferTimeout = defaultTransferTimeout
	}
	return l, nil
}

// Verifier returns the code hash scheme gifts are committed with.
func (l *Ledger) Verifier() codehash.Verifier {
	return l.verifier
}

// FeePolicy returns the active fee policy.
func (l *Ledger) FeePolicy() fee.Policy {
	return l.fees
}

// push sends qty to recipient, retrying transient transfer failures. An
// unconfirmed push is returned as is and never retried.
func (l *Ledger) push(ctx context.Context, to string, asset gift.Asset, qty *big.Int) error {
	if qty == nil || qty.Sign() <= 0 {
		return nil
	}
	err := retry.Do(ctx, l.retry, isTransient, func(attempt int, err error) {
		l.metrics.IncTransfer("retry")
		l.log.Warn("custody.push_retry", "to", to, "asset", asset.String(), "attempt", attempt, "err", err)
	}, func(ctx context.Context) error {
		tctx, cancel := context.WithTimeout(ctx, l.transferTimeout)
		defer cancel()
		return l.custody.Push(tctx, to, asset, qty)
	})
	switch {
	case err == nil:
		l.metrics.IncTransfer("success")
		return nil
	case errors.Is(err, gift.ErrTransferUnconfirmed):
		l.metrics.IncTransfer("unconfirmed")
		return err
	default:
		l.metrics.IncTransfer("failed")
		return asTransferError(err)
	}
}

func (l *Ledger) pull(ctx context.Context, from string, asset gift.Asset, qty *big.Int) error {
	tctx, cancel := context.WithTimeout(ctx, l.transferTimeout)
	defer cancel()
	if err := l.custody.Pull(tctx, from, asset, qty); err != nil {
		if errors.Is(err, gift.ErrInsufficientFunds) || errors.Is(err, gift.ErrInsufficientApproval) || errors.Is(err, gift.ErrInvalidInput) {
			return err
		}
		if errors.Is(err, gift.ErrTransferUnconfirmed) {
			l.metrics.IncTransfer("unconfirmed")
			return err
		}
		return asTransferError(err)
	}
	return nil
}

// release moves a Locked gift through inFlight to final, pushing amount to
// recipient in between. On a failed push the gift goes back to Locked. On an
// unconfirmed push it stays in inFlight carrying the transfer reference and
// the returned error wraps ErrTransferUnconfirmed.
func (l *Ledger) release(ctx context.Context, g gift.Gift, inFlight, final gift.State, recipient string, amount *big.Int) (gift.Gift, error) {
	now := l.clock.Now()
	claimant := ""
	if final == gift.Claimed {
		claimant = recipient
	}

	if _, err := l.store.Transition(ctx, store.Transition{
		ID: g.ID, From: gift.Locked, To: inFlight, Claimant: claimant, At: now,
	}); err != nil {
		if errors.Is(err, gift.ErrConflict) {
			return g, fmt.Errorf("%w: gift %d", gift.ErrAlreadyResolved, g.ID)
		}
		return g, err
	}

	if err := l.push(ctx, recipient, g.Asset, amount); err != nil {
		if errors.Is(err, gift.ErrTransferUnconfirmed) {
			g.State = inFlight
			g.Claimant = claimant
			g.TransferRef = l.awaitTransfer(ctx, g.ID, inFlight, err)
			return g, fmt.Errorf("gift %d: %w", g.ID, err)
		}
		l.rollback(g.ID, inFlight)
		return g, fmt.Errorf("gift %d: %w", g.ID, err)
	}

	done, err := l.finalize(ctx, store.Transition{
		ID: g.ID, From: inFlight, To: final, Claimant: claimant, At: l.clock.Now(),
	})
	if err != nil {
		// Assets already moved. The record stays in flight, which blocks a
		// second release, and Reconcile writes the final state later.
		l.log.Error("gift.finalize_failed", "gift_id", g.ID, "state", inFlight.String(), "err", err)
		if !errors.Is(err, gift.ErrConflict) {
			l.repairs.put(g.ID, repair{from: inFlight, to: final, claimant: claimant})
		}
		g.State = final
		g.Claimant = claimant
		g.ResolvedAt = now
		return g, nil
	}
	return done, nil
}

func (l *Ledger) finalize(ctx context.Context, t store.Transition) (gift.Gift, error) {
	var out gift.Gift
	err := l.persist(ctx, func(ctx context.Context) error {
		g, err := l.store.Transition(ctx, t)
		if err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// rollback returns an in-flight gift to Locked. It runs detached from the
// caller's context so a cancelled request cannot strand the record, and a
// rollback that still fails is queued for Reconcile.
func (l *Ledger) rollback(id int64, from gift.State) {
	err := l.persist(context.Background(), func(ctx context.Context) error {
		_, err := l.store.Transition(ctx, store.Transition{ID: id, From: from, To: gift.Locked, At: l.clock.Now()})
		return err
	})
	if err == nil {
		return
	}
	l.log.Error("gift.rollback_failed", "gift_id", id, "state", from.String(), "err", err)
	if !errors.Is(err, gift.ErrConflict) {
		l.repairs.put(id, repair{from: from, to: gift.Locked})
	}
}

// awaitTransfer records the reference of an unconfirmed transfer on an
// in-flight gift and returns it. Without a reference the gift is left for
// an operator.
func (l *Ledger) awaitTransfer(ctx context.Context, id int64, state gift.State, cause error) string {
	ref, ok := custody.PendingRef(cause)
	if !ok || ref == "" {
		l.log.Error("gift.transfer_untracked", "gift_id", id, "state", state.String(), "err", cause)
		return ""
	}
	l.log.Warn("gift.transfer_unconfirmed", "gift_id", id, "state", state.String(), "ref", ref)

	err := l.persist(ctx, func(ctx context.Context) error {
		_, err := l.store.SetTransferRef(ctx, id, state, ref)
		return err
	})
	if err != nil {
		l.log.Error("gift.transfer_ref_failed", "gift_id", id, "ref", ref, "err", err)
		l.repairs.put(id, repair{from: state, ref: ref})
	}
	return ref
}

// persist runs a store write that must land once custody has acted. It is
// detached from ctx's cancellation and retries anything but a conflict.
func (l *Ledger) persist(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(context.WithoutCancel(ctx), l.stRetry, func(err error) bool {
		return !errors.Is(err, gift.ErrConflict)
	}, func(attempt int, err error) {
		l.log.Warn("store.write_retry", "attempt", attempt, "err", err)
	}, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, l.transferTimeout)
		defer cancel()
		return fn(wctx)
	})
}

func isTransient(err error) bool {
	return errors.Is(err, gift.ErrTransferFailed) && !errors.Is(err, gift.ErrTransferUnconfirmed)
}

func asTransferError(err error) error {
	if errors.Is(err, gift.ErrTransferFailed) || errors.Is(err, gift.ErrTransferUnconfirmed) {
		return err
	}
	return fmt.Errorf("%w: %v", gift.ErrTransferFailed, err)
}
