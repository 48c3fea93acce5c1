// Package sweeper periodically settles gifts left in flight, refunds gifts
// whose expiry has passed and retries fee payments parked in the
// dead-letter queue.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"giftlock/internal/clock"
	"giftlock/internal/ledger"
	"giftlock/internal/metrics"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultInterval  = 24 * time.Hour
	DefaultBatchSize = 100
)

// Ledger is the part of the escrow ledger a sweep drives.
type Ledger interface {
	ExpiredIDs(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error)
	RefundExpired(ctx context.Context, ids []int64) (ledger.BatchReceipt, error)
	ReplayFees(ctx context.Context) (ledger.ReplayReport, error)
	Reconcile(ctx context.Context) (ledger.ReconcileReport, error)
}

// Report summarises one sweep run.
type Report struct {
	RunID         string
	Cutoff        time.Time
	Scanned       int
	Refunded      int
	Skipped       int
	Failed        int
	Pending       int
	Reconciled    ledger.ReconcileReport
	FeesDelivered int
	FeesPending   int
	Took          time.Duration
}

type Sweeper struct {
	ledger     Ledger
	clock      clock.Clock
	interval   time.Duration
	batchSize  int
	runTimeout time.Duration
	log        *slog.Logger
	metrics    *metrics.Registry

	runMu  sync.Mutex
	mu     sync.Mutex
	cutoff time.Time
}

type Option func(*Sweeper)

func WithClock(c clock.Clock) Option { return func(s *Sweeper) { s.clock = c } }

func WithInterval(d time.Duration) Option { return func(s *Sweeper) { s.interval = d } }

func WithBatchSize(n int) Option { return func(s *Sweeper) { s.batchSize = n } }

// WithRunTimeout bounds a single sweep run. Zero means no bound beyond the
// context passed to Run.
func WithRunTimeout(d time.Duration) Option { return func(s *Sweeper) { s.runTimeout = d } }

func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.log = l } }

func WithMetrics(m *metrics.Registry) Option { return func(s *Sweeper) { s.metrics = m } }

func New(l Ledger, opts ...Option) *Sweeper {
	s := &Sweeper{
		ledger:    l,
		clock:     clock.System{},
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.batchSize <= 0 || s.batchSize > ledger.MaxBatch {
		s.batchSize = DefaultBatchSize
	}
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Failed runs are logged and left for the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweep.start", "interval", s.interval.String(), "batch_size", s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runLogged(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("sweep.stop")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) runLogged(ctx context.Context) {
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	rep, err := s.SweepOnce(ctx)
	if err != nil {
		s.log.Error("sweep.failed", "run_id", rep.RunID, "refunded", rep.Refunded, "err", err)
	}
}

// SweepOnce settles in-flight gifts, refunds every Locked gift whose expiry
// is at or before the run's cutoff, then replays parked fees. The cutoff never moves backwards between
// runs, even if the clock does.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	started := time.Now()
	rep := Report{RunID: ulid.Make().String(), Cutoff: s.nextCutoff()}
	log := s.log.With("run_id", rep.RunID)

	// Settling first returns rolled-back gifts to Locked in time for the
	// refund pass.
	rec, err := s.ledger.Reconcile(ctx)
	rep.Reconciled = rec
	if err != nil {
		err = fmt.Errorf("reconcile: %w", err)
	}
	if err == nil {
		err = s.refundAll(ctx, &rep)
	}
	if err == nil {
		var fees ledger.ReplayReport
		fees, err = s.ledger.ReplayFees(ctx)
		rep.FeesDelivered = fees.Delivered
		rep.FeesPending = fees.Remaining
		if err != nil {
			err = fmt.Errorf("replay fees: %w", err)
		}
	}
	rep.Took = time.Since(started)

	if err != nil {
		s.metrics.ObserveSweep("failed", rep.Took)
		return rep, err
	}
	s.metrics.ObserveSweep("ok", rep.Took)
	log.Info("sweep.done",
		"cutoff", rep.Cutoff,
		"scanned", rep.Scanned,
		"refunded", rep.Refunded,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
		"pending", rep.Pending,
		"settled", rep.Reconciled.Settled,
		"rolled_back", rep.Reconciled.RolledBack,
		"unconfirmed", rep.Reconciled.Pending,
		"unresolved", rep.Reconciled.Unresolved,
		"fees_delivered", rep.FeesDelivered,
		"fees_pending", rep.FeesPending,
		"took", rep.Took.String(),
	)
	return rep, nil
}

func (s *Sweeper) refundAll(ctx context.Context, rep *Report) error {
	var after int64
	for {
		ids, err := s.ledger.ExpiredIDs(ctx, rep.Cutoff, after, s.batchSize)
		if err != nil {
			return fmt.Errorf("list expired gifts: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		rep.Scanned += len(ids)

		receipt, err := s.ledger.RefundExpired(ctx, ids)
		rep.Refunded += receipt.Count(ledger.OutcomeRefunded)
		rep.Skipped += receipt.Count(ledger.OutcomeSkipped)
		rep.Failed += receipt.Count(ledger.OutcomeFailed)
		rep.Pending += receipt.Count(ledger.OutcomePending)
		if err != nil {
			return fmt.Errorf("refund expired gifts: %w", err)
		}

		if len(ids) < s.batchSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

func (s *Sweeper) nextCutoff() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if now.After(s.cutoff) {
		s.cutoff = now
	}
	return s.cutoff
}

// Cutoff returns the cutoff used by the latest run.
func (s *Sweeper) Cutoff() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cutoff
}
