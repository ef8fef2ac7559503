// Package janitor runs the periodic, time-driven maintenance sweeps: escrow
// auto-release, stale purchase and sale cancellation, listing expiry and
// dispute escalation. Every step is one bulk conditional update and safe to
// re-run.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"accountmarket/ledger"
	"accountmarket/logging"
	"accountmarket/metrics"
	"accountmarket/notify"
	"accountmarket/workflow"
)

const (
	StepAutoRelease      = "auto_release"
	StepStalePurchases   = "stale_purchases"
	StepOrphanedSales    = "orphaned_sales"
	StepExpireListings   = "expire_listings"
	StepEscalateDisputes = "escalate_disputes"
)

// StaleReason is recorded on purchases cancelled for non-payment.
const StaleReason = "payment not received in time"

type Config struct {
	Interval            time.Duration
	AutoReleaseAfter    time.Duration
	PendingPurchaseTTL  time.Duration
	PendingSaleTTL      time.Duration
	DisputeOverdueAfter time.Duration
	// Retries bounds extra attempts of a step after a storage failure.
	Retries      int
	RetryBackoff time.Duration
}

// DefaultConfig returns the business windows of the marketplace.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		AutoReleaseAfter:    24 * time.Hour,
		PendingPurchaseTTL:  24 * time.Hour,
		PendingSaleTTL:      24 * time.Hour,
		DisputeOverdueAfter: 48 * time.Hour,
		Retries:             3,
		RetryBackoff:        250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.AutoReleaseAfter <= 0 {
		c.AutoReleaseAfter = def.AutoReleaseAfter
	}
	if c.PendingPurchaseTTL <= 0 {
		c.PendingPurchaseTTL = def.PendingPurchaseTTL
	}
	if c.PendingSaleTTL <= 0 {
		c.PendingSaleTTL = def.PendingSaleTTL
	}
	if c.DisputeOverdueAfter <= 0 {
		c.DisputeOverdueAfter = def.DisputeOverdueAfter
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}

// Lease elects one active sweeper across replicas.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// StepReport is the outcome of one sweep step.
type StepReport struct {
	Step     string
	Affected int64
	Attempts int
	Took     time.Duration
	Err      error
}

// Report is the outcome of one sweep.
type Report struct {
	At      time.Time
	Skipped bool
	Steps   []StepReport
}

// Err joins the errors of every failed step.
func (r Report) Err() error {
	var errs []error
	for _, s := range r.Steps {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

// Affected returns the rows changed by step.
func (r Report) Affected(step string) int64 {
	for _, s := range r.Steps {
		if s.Step == step {
			return s.Affected
		}
	}
	return 0
}

type Janitor struct {
	d       *workflow.Dispatcher
	cfg     Config
	lease   Lease
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(d *workflow.Dispatcher, cfg Config, lease Lease, m *metrics.Metrics, logger *slog.Logger) *Janitor {
	return &Janitor{d: d, cfg: cfg.withDefaults(), lease: lease, metrics: m, logger: logging.OrDefault(logger)}
}

type step struct {
	name string
	run  func(ctx context.Context, now time.Time) (int64, []notify.Event, error)
}

func (j *Janitor) steps() []step {
	return []step{
		{StepAutoRelease, j.autoRelease},
		{StepStalePurchases, j.cancelStalePurchases},
		{StepOrphanedSales, j.cancelOrphanedSales},
		{StepExpireListings, j.expireListings},
		{StepEscalateDisputes, j.escalateDisputes},
	}
}

// Sweep runs every step once at the dispatcher's current time. Steps run
// concurrently and fail independently.
func (j *Janitor) Sweep(ctx context.Context) Report {
	now := j.d.Now()
	report := Report{At: now}
	if j.lease != nil {
		ok, err := j.lease.Acquire(ctx, j.cfg.Interval)
		if err != nil {
			j.logger.Warn("janitor lease unavailable", slog.Any("err", err))
			report.Skipped = true
			return report
		}
		if !ok {
			report.Skipped = true
			return report
		}
	}

	steps := j.steps()
	results := make([]StepReport, len(steps))
	var (
		mu     sync.Mutex
		events []notify.Event
	)
	var g errgroup.Group
	for i, s := range steps {
		g.Go(func() error {
			start := time.Now()
			res := StepReport{Step: s.name}
			for {
				res.Attempts++
				n, evs, err := s.run(ctx, now)
				res.Affected, res.Err = n, err
				if err == nil {
					mu.Lock()
					events = append(events, evs...)
					mu.Unlock()
					break
				}
				if !errors.Is(err, ledger.ErrStorage) || res.Attempts > j.cfg.Retries || ctx.Err() != nil {
					break
				}
				select {
				case <-ctx.Done():
				case <-time.After(j.cfg.RetryBackoff * time.Duration(res.Attempts)):
				}
			}
			res.Took = time.Since(start)
			results[i] = res
			j.metrics.ObserveSweep(s.name, res.Affected, res.Took, res.Err)
			return nil
		})
	}
	_ = g.Wait()
	report.Steps = results

	for _, s := range results {
		if s.Err != nil {
			j.logger.Error("janitor step failed", slog.String("step", s.Step), slog.Int("attempts", s.Attempts), slog.Any("err", s.Err))
		} else if s.Affected > 0 {
			j.logger.Info("janitor step", slog.String("step", s.Step), slog.Int64("affected", s.Affected), slog.Duration("took", s.Took))
		}
	}
	j.d.Notifier().Emit(ctx, events...)
	return report
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	defer func() {
		if j.lease != nil {
			_ = j.lease.Release(context.WithoutCancel(ctx))
		}
	}()

	j.logger.Info("janitor started", slog.Duration("interval", j.cfg.Interval))
	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// autoRelease pays out escrows confirmed longer than the window ago and
// completes their purchase and sale.
func (j *Janitor) autoRelease(ctx context.Context, now time.Time) (int64, []notify.Event, error) {
	var released []ledger.Escrow
	err := j.d.Store().InTx(ctx, func(q ledger.Queries) error {
		var err error
		released, err = q.ReleaseConfirmedEscrows(ctx, now.Add(-j.cfg.AutoReleaseAfter), now)
		if err != nil || len(released) == 0 {
			return err
		}
		keys := make([]string, len(released))
		for i, e := range released {
			keys[i] = e.PurchaseID
		}
		if _, err := q.TransitionPurchases(ctx, ledger.BulkTransition[ledger.PurchaseStatus]{
			Keys: keys, From: []ledger.PurchaseStatus{ledger.PurchaseDelivered}, To: ledger.PurchaseCompleted, At: now,
		}); err != nil {
			return err
		}
		if _, err := q.TransitionSales(ctx, ledger.BulkTransition[ledger.SaleStatus]{
			Keys: keys, From: []ledger.SaleStatus{ledger.SaleDelivered}, To: ledger.SaleCompleted, At: now,
		}); err != nil {
			return err
		}
		for _, e := range released {
			if err := j.d.Catalog().MarkSold(ctx, q, e.ListingID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	events := make([]notify.Event, 0, 2*len(released))
	for _, e := range released {
		data := map[string]any{"purchaseId": e.PurchaseID, "automatic": true}
		events = append(events,
			notify.Event{Type: notify.EscrowReleased, UserID: e.BuyerID, RelatedID: e.ID, Data: data, OccurredAt: now},
			notify.Event{Type: notify.SalePayout, UserID: e.SellerID, RelatedID: e.ID, Data: data, OccurredAt: now},
		)
	}
	return int64(len(released)), events, nil
}

// cancelStalePurchases cancels unpaid purchases with their escrow and any
// premature sale and puts the listing back on the market.
func (j *Janitor) cancelStalePurchases(ctx context.Context, now time.Time) (int64, []notify.Event, error) {
	var stale []ledger.Purchase
	err := j.d.Store().InTx(ctx, func(q ledger.Queries) error {
		var err error
		stale, err = q.CancelStalePurchases(ctx, now.Add(-j.cfg.PendingPurchaseTTL), now, StaleReason)
		if err != nil || len(stale) == 0 {
			return err
		}
		keys := make([]string, len(stale))
		listings := make([]string, len(stale))
		for i, p := range stale {
			keys[i] = p.ID
			listings[i] = p.ListingID
		}
		if _, err := q.TransitionEscrows(ctx, ledger.BulkTransition[ledger.EscrowStatus]{
			Keys: keys, From: []ledger.EscrowStatus{ledger.EscrowPending}, To: ledger.EscrowCancelled, At: now, Reason: StaleReason,
		}); err != nil {
			return err
		}
		if _, err := q.TransitionSales(ctx, ledger.BulkTransition[ledger.SaleStatus]{
			Keys: keys, From: []ledger.SaleStatus{ledger.SalePending}, To: ledger.SaleCancelled, At: now,
		}); err != nil {
			return err
		}
		_, err = j.d.Catalog().Release(ctx, q, listings, now)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	events := make([]notify.Event, 0, 2*len(stale))
	for _, p := range stale {
		data := map[string]any{"reason": StaleReason}
		events = append(events,
			notify.Event{Type: notify.PurchaseCancelled, UserID: p.BuyerID, RelatedID: p.ID, Data: data, OccurredAt: now},
			notify.Event{Type: notify.PurchaseCancelled, UserID: p.SellerID, RelatedID: p.ID, Data: data, OccurredAt: now},
		)
	}
	return int64(len(stale)), events, nil
}

func (j *Janitor) cancelOrphanedSales(ctx context.Context, now time.Time) (int64, []notify.Event, error) {
	n, err := j.d.Store().CancelOrphanedSales(ctx, now.Add(-j.cfg.PendingSaleTTL), now)
	return n, nil, err
}

func (j *Janitor) expireListings(ctx context.Context, now time.Time) (int64, []notify.Event, error) {
	n, err := j.d.Catalog().ExpireDue(ctx, j.d.Store(), now)
	return n, nil, err
}

func (j *Janitor) escalateDisputes(ctx context.Context, now time.Time) (int64, []notify.Event, error) {
	n, err := j.d.Store().EscalateOverdueDisputes(ctx, now.Add(-j.cfg.DisputeOverdueAfter), now)
	return n, nil, err
}
