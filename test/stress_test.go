package test

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"accountmarket/dispute"
	"accountmarket/escrow"
	"accountmarket/janitor"
	"accountmarket/ledger"
	"accountmarket/listing"
	"accountmarket/logging"
	"accountmarket/metrics"
	"accountmarket/purchase"
	"accountmarket/sale"
	"accountmarket/test/actors"
	"accountmarket/test/chaos"
	"accountmarket/test/fixture"
	"accountmarket/test/infra"
	"accountmarket/test/oracles"
	"accountmarket/workflow"
)

var (
	flDuration    = flag.Duration("duration", 3*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flListings    = flag.Int("listings", 6, "listings the actors compete for")
)

func TestMarketConcurrencySQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run")
	}
	st := fixture.Store(t)
	sqlDB, err := st.DB().DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	runStress(t, st, oracles.SQL(sqlDB), nil)
}

func TestMarketConcurrencyPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run")
	}
	dsn := *flDSN
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, dsn, false)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skip("postgres unavailable: set STRESS_TEST_PG_DSN or run docker")
	}
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer h.Close(context.Background())

	runStress(t, h.Store(), oracles.PGX(h.Inspect()), h.Inspect())
}

// runStress races every actor role against store for the configured duration
// and checks the oracles periodically and once more after the actors stop.
// A non-nil chaosPool enables backend termination.
func runStress(t *testing.T, store ledger.Store, query oracles.Querier, chaosPool *pgxpool.Pool) {
	seed := *flSeed
	rng := rand.New(rand.NewSource(seed))
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+time.Minute)
	defer cancel()

	m := newMarket(t, ctx, store, rng)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	// seeds are drawn here; rng is not safe for the actor goroutines
	spawn := func(actor func(ctx context.Context, m *actors.Market, seed int64, stop <-chan struct{}) error) {
		s := rng.Int63()
		g.Go(func() error { return actor(ctx2, m, s, stop) })
	}
	for i := 0; i < *flConcurrency; i++ {
		spawn(actors.Buyer)
		spawn(actors.Payer)
		spawn(actors.Seller)
		spawn(actors.Confirmer)
	}
	spawn(actors.Canceller)
	spawn(actors.Disputer)
	for _, admin := range []string{"admin-1", "admin-2"} {
		spawn(func(ctx context.Context, m *actors.Market, seed int64, stop <-chan struct{}) error {
			return actors.Arbiter(ctx, m, admin, seed, stop)
		})
	}
	g.Go(func() error { return actors.Sweeper(ctx2, m, stop) })
	if chaosPool != nil {
		chaosSeed := rng.Int63()
		go chaos.TerminateRandomBackend(ctx2, chaosPool, infra.AppName, chaosSeed, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			checkOracles(t, ctx, query, seed)
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v (seed=%d)", err, seed)
	}
	checkOracles(t, ctx, query, seed)
	if m.Board.Deals() == 0 {
		t.Fatalf("no purchase was ever created (seed=%d)", seed)
	}
	t.Logf("purchases created: %d", m.Board.Deals())
}

func checkOracles(t *testing.T, ctx context.Context, query oracles.Querier, seed int64) {
	t.Helper()
	name, row, err := oracles.Run(ctx, query)
	if err != nil {
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	}
}

func newMarket(t *testing.T, ctx context.Context, store ledger.Store, rng *rand.Rand) *actors.Market {
	t.Helper()
	logger := logging.SetupWriter(io.Discard, "stress", "test", "error")
	quoter, err := sale.NewQuoter(decimal.RequireFromString("0.1"))
	if err != nil {
		t.Fatalf("quoter: %v", err)
	}
	sealer, err := escrow.NewSealer(bytes.Repeat([]byte{3}, escrow.KeySize))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	d := workflow.New(store, workflow.Options{
		Quoter:  quoter,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Logger:  logger,
	})
	engine := escrow.NewEngine(d, sealer)

	m := &actors.Market{
		Purchases: purchase.NewCoordinator(d, engine),
		Disputes:  dispute.NewService(d),
		Janitor: janitor.New(d, janitor.Config{
			Interval:            time.Second,
			AutoReleaseAfter:    150 * time.Millisecond,
			PendingPurchaseTTL:  600 * time.Millisecond,
			PendingSaleTTL:      600 * time.Millisecond,
			DisputeOverdueAfter: 300 * time.Millisecond,
			Retries:             1,
			RetryBackoff:        10 * time.Millisecond,
		}, nil, nil, logger.With(slog.String("component", "janitor"))),
		Board: &actors.Board{},
	}
	for i := 0; i < 4; i++ {
		m.Buyers = append(m.Buyers, fmt.Sprintf("buyer-%d", i))
	}

	now := time.Now()
	err = store.InTx(ctx, func(q ledger.Queries) error {
		for i := 0; i < *flListings; i++ {
			l, err := listing.Register(ctx, q, ledger.Listing{
				ID:       fmt.Sprintf("listing-%d", i),
				SellerID: fmt.Sprintf("seller-%d", i%3),
				Title:    fmt.Sprintf("account %d", i),
				Price:    decimal.NewFromInt(int64(10 * (5 + rng.Intn(50)))),
				Currency: "USD",
			}, now)
			if err != nil {
				return err
			}
			m.Listings = append(m.Listings, l)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed listings: %v", err)
	}
	return m
}
