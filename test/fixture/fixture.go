// Package fixture holds shared helpers for package tests: an in-memory
// ledger, a controllable clock and seed data.
package fixture

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"accountmarket/ledger"
	"accountmarket/ledger/sqlite"
)

// Epoch is the default start of every test clock.
var Epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock { return &Clock{now: Epoch} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Store opens a private in-memory ledger closed at test cleanup.
func Store(t testing.TB) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(sqlite.MemoryDSN("fixture"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Listing inserts an ACTIVE listing priced at price USD.
func Listing(t testing.TB, q ledger.Queries, id, sellerID string, price int64, at time.Time) ledger.Listing {
	t.Helper()
	l := ledger.Listing{
		ID:        id,
		SellerID:  sellerID,
		Title:     "account " + id,
		Price:     decimal.NewFromInt(price),
		Currency:  "USD",
		Status:    ledger.ListingActive,
		CreatedAt: ledger.Timestamp(at),
		UpdatedAt: ledger.Timestamp(at),
	}
	require.NoError(t, q.InsertListing(context.Background(), l))
	return l
}

// IDs returns a deterministic id generator: prefix-1, prefix-2, ...
func IDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}
