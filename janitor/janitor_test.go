package janitor_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"accountmarket/escrow"
	"accountmarket/janitor"
	"accountmarket/ledger"
	"accountmarket/notify"
	"accountmarket/purchase"
	"accountmarket/sale"
	"accountmarket/test/fixture"
	"accountmarket/workflow"
)

var (
	buyer  = ledger.User("buyer")
	seller = ledger.User("seller")
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(t notify.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// flakyStore fails CancelOrphanedSales with err for the first fails calls.
type flakyStore struct {
	ledger.Store
	mu    sync.Mutex
	fails int
	calls int
	err   error
}

func (s *flakyStore) CancelOrphanedSales(ctx context.Context, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.fails
	s.mu.Unlock()
	if fail {
		return 0, s.err
	}
	return s.Store.CancelOrphanedSales(ctx, cutoff, now)
}

type fakeLease struct {
	grant    bool
	err      error
	acquired int
	released int
}

func (l *fakeLease) Acquire(context.Context, time.Duration) (bool, error) {
	l.acquired++
	return l.grant, l.err
}

func (l *fakeLease) Release(context.Context) error {
	l.released++
	return nil
}

type env struct {
	st       ledger.Store
	clock    *fixture.Clock
	sink     *recorder
	notifier *notify.Notifier
	d        *workflow.Dispatcher
	c        *purchase.Coordinator
}

// count waits for queued notifications and counts those of type typ.
func (e *env) count(t *testing.T, typ notify.EventType) int {
	t.Helper()
	require.NoError(t, e.notifier.Flush(context.Background()))
	return e.sink.count(typ)
}

func newEnv(t *testing.T, wrap func(ledger.Store) ledger.Store) *env {
	t.Helper()
	var st ledger.Store = fixture.Store(t)
	if wrap != nil {
		st = wrap(st)
	}
	quoter, err := sale.NewQuoter(decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	e := &env{st: st, clock: fixture.NewClock(), sink: &recorder{}}
	e.notifier = notify.NewNotifier(e.sink, nil, nil)
	t.Cleanup(func() { _ = e.notifier.Close(context.Background()) })
	e.d = workflow.New(st, workflow.Options{
		Quoter:   quoter,
		Notifier: e.notifier,
		Now:      e.clock.Now,
	})
	sealer, err := escrow.NewSealer(bytes.Repeat([]byte{1}, escrow.KeySize))
	require.NoError(t, err)
	e.c = purchase.NewCoordinator(e.d, escrow.NewEngine(e.d, sealer))
	return e
}

func (e *env) janitor(lease janitor.Lease) *janitor.Janitor {
	cfg := janitor.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return janitor.New(e.d, cfg, lease, nil, nil)
}

func (e *env) create(t *testing.T, listingID string) purchase.Created {
	t.Helper()
	fixture.Listing(t, e.st, listingID, seller.ID, 100, e.clock.Now())
	out, err := e.c.CreatePurchase(context.Background(), buyer, purchase.CreateRequest{ListingID: listingID, Amount: decimal.NewFromInt(100), Currency: "USD"})
	require.NoError(t, err)
	return out
}

func TestSweepAutoReleasesConfirmedEscrow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	out := e.create(t, "L")
	pid := out.Purchase.ID

	_, err := e.c.MarkPaid(ctx, buyer, pid, "pay_1")
	require.NoError(t, err)
	_, err = e.c.MarkDelivered(ctx, seller, pid, []byte("login:secret"), "")
	require.NoError(t, err)
	_, err = e.c.ConfirmDelivery(ctx, buyer, pid, "works")
	require.NoError(t, err)

	j := e.janitor(nil)
	e.clock.Advance(23 * time.Hour)
	report := j.Sweep(ctx)
	require.NoError(t, report.Err())
	require.Zero(t, report.Affected(janitor.StepAutoRelease))

	e.clock.Advance(2 * time.Hour)
	report = j.Sweep(ctx)
	require.NoError(t, report.Err())
	require.EqualValues(t, 1, report.Affected(janitor.StepAutoRelease))

	esc, err := e.st.GetEscrow(ctx, out.Escrow.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowReleased, esc.Status)
	require.NotNil(t, esc.ReleasedAt)

	p, err := e.st.GetPurchase(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, ledger.PurchaseCompleted, p.Status)

	s, err := e.st.GetSaleByPurchase(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, ledger.SaleCompleted, s.Status)

	l, err := e.st.GetListing(ctx, "L")
	require.NoError(t, err)
	require.Equal(t, ledger.ListingSold, l.Status)

	require.Equal(t, 1, e.count(t, notify.SalePayout))

	report = j.Sweep(ctx)
	require.NoError(t, report.Err())
	require.Zero(t, report.Affected(janitor.StepAutoRelease), "sweeps are idempotent")
	require.Equal(t, 1, e.count(t, notify.SalePayout))
}

func TestSweepCancelsStalePurchase(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	stale := e.create(t, "L1")
	e.clock.Advance(2 * time.Hour)
	fresh := e.create(t, "L2")

	j := e.janitor(nil)
	e.clock.Advance(23 * time.Hour)
	report := j.Sweep(ctx)
	require.NoError(t, report.Err())
	require.EqualValues(t, 1, report.Affected(janitor.StepStalePurchases))

	p, err := e.st.GetPurchase(ctx, stale.Purchase.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PurchaseCancelled, p.Status)
	require.Equal(t, janitor.StaleReason, p.CancelReason)

	esc, err := e.st.GetEscrow(ctx, stale.Escrow.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowCancelled, esc.Status)

	l, err := e.st.GetListing(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, ledger.ListingActive, l.Status)

	p, err = e.st.GetPurchase(ctx, fresh.Purchase.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PurchasePending, p.Status)

	require.Equal(t, 2, e.count(t, notify.PurchaseCancelled))
}

func TestSweepSkipsWithoutLease(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	out := e.create(t, "L")
	e.clock.Advance(48 * time.Hour)

	lease := &fakeLease{grant: false}
	report := e.janitor(lease).Sweep(ctx)
	require.True(t, report.Skipped)
	require.Empty(t, report.Steps)
	require.Equal(t, 1, lease.acquired)

	p, err := e.st.GetPurchase(ctx, out.Purchase.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PurchasePending, p.Status)

	lease = &fakeLease{err: errors.New("redis down")}
	require.True(t, e.janitor(lease).Sweep(ctx).Skipped)

	lease = &fakeLease{grant: true}
	report = e.janitor(lease).Sweep(ctx)
	require.False(t, report.Skipped)
	require.EqualValues(t, 1, report.Affected(janitor.StepStalePurchases))
}

func TestSweepRetriesStorageFailures(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyStore
	e := newEnv(t, func(st ledger.Store) ledger.Store {
		flaky = &flakyStore{Store: st, fails: 2, err: ledger.Storage("sqlite: cancel orphaned sales", errors.New("database is locked"))}
		return flaky
	})

	report := e.janitor(nil).Sweep(ctx)
	require.NoError(t, report.Err())
	for _, s := range report.Steps {
		if s.Step == janitor.StepOrphanedSales {
			require.Equal(t, 3, s.Attempts)
		} else {
			require.Equal(t, 1, s.Attempts)
		}
	}
}

func TestSweepStepFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	e := newEnv(t, func(st ledger.Store) ledger.Store {
		return &flakyStore{Store: st, fails: 100, err: boom}
	})
	out := e.create(t, "L")
	e.clock.Advance(25 * time.Hour)

	report := e.janitor(nil).Sweep(ctx)
	require.ErrorIs(t, report.Err(), boom)
	require.Len(t, report.Steps, 5)
	for _, s := range report.Steps {
		if s.Step == janitor.StepOrphanedSales {
			require.ErrorIs(t, s.Err, boom)
			require.Equal(t, 1, s.Attempts, "only storage failures are retried")
		} else {
			require.NoError(t, s.Err)
		}
	}

	p, err := e.st.GetPurchase(ctx, out.Purchase.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PurchaseCancelled, p.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t, nil)
	lease := &fakeLease{grant: true}
	cfg := janitor.DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	j := janitor.New(e.d, cfg, lease, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, j.Run(ctx))
	require.GreaterOrEqual(t, lease.acquired, 1)
	require.Equal(t, 1, lease.released)
}
