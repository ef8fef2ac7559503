package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"accountmarket/ledger"
)

var base = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedPurchase(t *testing.T, st *Store, id, listingID string, status ledger.PurchaseStatus, at time.Time) ledger.Purchase {
	t.Helper()
	p := ledger.Purchase{
		ID:          id,
		BuyerID:     "buyer-1",
		SellerID:    "seller-1",
		ListingID:   listingID,
		Amount:      decimal.NewFromInt(100),
		Currency:    "USD",
		Status:      status,
		PurchasedAt: at,
		UpdatedAt:   at,
	}
	require.NoError(t, st.InsertPurchase(context.Background(), p))
	return p
}

func TestSavePurchaseIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	p := seedPurchase(t, st, "p1", "l1", ledger.PurchasePending, base)

	require.NoError(t, p.Transition(ledger.PurchasePaid, base.Add(time.Minute)))
	p.PaymentID = "pay_123"
	require.NoError(t, st.SavePurchase(ctx, p, ledger.PurchasePending))

	got, err := st.GetPurchase(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, ledger.PurchasePaid, got.Status)
	require.Equal(t, "pay_123", got.PaymentID)
	require.True(t, got.Amount.Equal(decimal.NewFromInt(100)))
	require.Equal(t, base.Add(time.Minute), got.PaidAt.UTC())

	err = st.SavePurchase(ctx, p, ledger.PurchasePending)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)
	var te *ledger.TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "PAID", te.From)

	require.ErrorIs(t, st.SavePurchase(ctx, ledger.Purchase{ID: "missing"}, ledger.PurchasePending), ledger.ErrNotFound)
}

func TestOneActivePurchasePerListing(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	seedPurchase(t, st, "p1", "l1", ledger.PurchasePending, base)

	dup := ledger.Purchase{ID: "p2", BuyerID: "b2", SellerID: "seller-1", ListingID: "l1", Amount: decimal.NewFromInt(100), Currency: "USD", Status: ledger.PurchasePending, PurchasedAt: base}
	require.ErrorIs(t, st.InsertPurchase(ctx, dup), ledger.ErrListingUnavailable)

	n, err := st.TransitionPurchases(ctx, ledger.BulkTransition[ledger.PurchaseStatus]{
		Keys: []string{"p1"}, From: []ledger.PurchaseStatus{ledger.PurchasePending}, To: ledger.PurchaseCancelled, At: base, Reason: "buyer changed mind",
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, st.InsertPurchase(ctx, dup))
	cancelled, err := st.GetPurchase(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "buyer changed mind", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)
}

func TestOneActiveDisputePerPurchase(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	d := ledger.Dispute{ID: "d1", PurchaseID: "p1", EscrowID: "e1", InitiatorID: "b", RespondentID: "s", Reason: "mismatch", Evidence: []string{"img://1"}, Status: ledger.DisputeOpen, Priority: ledger.PriorityMedium, CreatedAt: base, UpdatedAt: base}
	require.NoError(t, st.InsertDispute(ctx, d))

	second := d
	second.ID = "d2"
	require.ErrorIs(t, st.InsertDispute(ctx, second), ledger.ErrDuplicateDispute)

	active, err := st.ActiveDispute(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"img://1"}, active.Evidence)

	require.NoError(t, d.Transition(ledger.DisputeClosed, base))
	require.NoError(t, st.SaveDispute(ctx, d, ledger.DisputeOpen))
	require.NoError(t, st.InsertDispute(ctx, second))
}

func TestSaleUniquePerPurchase(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	s := ledger.Sale{ID: "s1", SellerID: "s", BuyerID: "b", ListingID: "l", PurchaseID: "p1", Amount: decimal.RequireFromString("100.00"), Currency: "USD", CommissionRate: decimal.RequireFromString("0.1"), Commission: decimal.RequireFromString("10.00"), NetAmount: decimal.RequireFromString("90.00"), Status: ledger.SalePending, SoldAt: base, UpdatedAt: base}
	require.NoError(t, st.InsertSale(ctx, s))
	s.ID = "s2"
	require.ErrorIs(t, st.InsertSale(ctx, s), ledger.ErrInvalidTransition)

	got, err := st.GetSaleByPurchase(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
	require.True(t, got.Commission.Add(got.NetAmount).Equal(got.Amount))
}

func TestReleaseConfirmedEscrowsRespectsCutoff(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	old := base.Add(-25 * time.Hour)
	fresh := base.Add(-time.Hour)
	for _, e := range []ledger.Escrow{
		{ID: "e-old", PurchaseID: "p-old", ListingID: "l1", BuyerID: "b", SellerID: "s", Amount: decimal.NewFromInt(5), Currency: "USD", Status: ledger.EscrowConfirmed, BuyerConfirmedAt: &old, CreatedAt: old, UpdatedAt: old},
		{ID: "e-new", PurchaseID: "p-new", ListingID: "l2", BuyerID: "b", SellerID: "s", Amount: decimal.NewFromInt(5), Currency: "USD", Status: ledger.EscrowConfirmed, BuyerConfirmedAt: &fresh, CreatedAt: fresh, UpdatedAt: fresh},
	} {
		require.NoError(t, st.InsertEscrow(ctx, e))
	}

	released, err := st.ReleaseConfirmedEscrows(ctx, base.Add(-24*time.Hour), base)
	require.NoError(t, err)
	require.Len(t, released, 1)
	require.Equal(t, "e-old", released[0].ID)
	require.Equal(t, ledger.EscrowReleased, released[0].Status)

	again, err := st.ReleaseConfirmedEscrows(ctx, base.Add(-24*time.Hour), base)
	require.NoError(t, err)
	require.Empty(t, again)

	kept, err := st.GetEscrow(ctx, "e-new")
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowConfirmed, kept.Status)
}

func TestCancelOrphanedSalesOnlyTouchesUnpaidPurchases(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	old := base.Add(-30 * time.Hour)
	seedPurchase(t, st, "p-unpaid", "l1", ledger.PurchasePending, old)
	seedPurchase(t, st, "p-paid", "l2", ledger.PurchasePaid, old)
	for _, s := range []ledger.Sale{
		{ID: "s-orphan", PurchaseID: "p-unpaid", SellerID: "s", BuyerID: "b", ListingID: "l1", Amount: decimal.NewFromInt(1), Currency: "USD", Status: ledger.SalePending, SoldAt: old, UpdatedAt: old},
		{ID: "s-live", PurchaseID: "p-paid", SellerID: "s", BuyerID: "b", ListingID: "l2", Amount: decimal.NewFromInt(1), Currency: "USD", Status: ledger.SalePending, SoldAt: old, UpdatedAt: old},
	} {
		require.NoError(t, st.InsertSale(ctx, s))
	}

	n, err := st.CancelOrphanedSales(ctx, base.Add(-24*time.Hour), base)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	orphan, err := st.GetSale(ctx, "s-orphan")
	require.NoError(t, err)
	require.Equal(t, ledger.SaleCancelled, orphan.Status)
	live, err := st.GetSale(ctx, "s-live")
	require.NoError(t, err)
	require.Equal(t, ledger.SalePending, live.Status)
}

func TestDisputeQueueOrderingAndEscalation(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	rows := []ledger.Dispute{
		{ID: "low-old", PurchaseID: "p1", Priority: ledger.PriorityLow, CreatedAt: base.Add(-72 * time.Hour)},
		{ID: "high-new", PurchaseID: "p2", Priority: ledger.PriorityHigh, CreatedAt: base.Add(-50 * time.Hour)},
		{ID: "high-old", PurchaseID: "p3", Priority: ledger.PriorityHigh, CreatedAt: base.Add(-60 * time.Hour)},
		{ID: "med-fresh", PurchaseID: "p4", Priority: ledger.PriorityMedium, CreatedAt: base.Add(-time.Hour)},
	}
	for _, d := range rows {
		d.EscrowID, d.InitiatorID, d.RespondentID, d.Reason = "e", "b", "s", "r"
		d.Status = ledger.DisputeOpen
		d.UpdatedAt = d.CreatedAt
		require.NoError(t, st.InsertDispute(ctx, d))
	}

	overdue, err := st.OverdueDisputes(ctx, base.Add(-48*time.Hour), 0)
	require.NoError(t, err)
	ids := make([]string, len(overdue))
	for i, d := range overdue {
		ids[i] = d.ID
	}
	require.Equal(t, []string{"high-old", "high-new", "low-old"}, ids)

	n, err := st.EscalateOverdueDisputes(ctx, base.Add(-48*time.Hour), base)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = st.EscalateOverdueDisputes(ctx, base.Add(-48*time.Hour), base)
	require.NoError(t, err)
	require.Zero(t, n, "escalation is once per window")

	later := base.Add(49 * time.Hour)
	n, err = st.EscalateOverdueDisputes(ctx, later.Add(-48*time.Hour), later)
	require.NoError(t, err)
	require.EqualValues(t, 2, n, "low-old again plus med-fresh once it ages past the window")

	d, err := st.GetDispute(ctx, "low-old")
	require.NoError(t, err)
	require.Equal(t, ledger.PriorityHigh, d.Priority)

	page, err := st.ListDisputes(ctx, ledger.DisputeQuery{Unassigned: true, PageRequest: ledger.PageRequest{Limit: 2}})
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	require.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
}

func TestCountReportsGroupsByTarget(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	alice, bob, listing := "alice", "bob", "l-9"
	reports := []ledger.Report{
		{ID: "r1", ReporterID: "x", ReportedUserID: &alice, CreatedAt: base},
		{ID: "r2", ReporterID: "y", ReportedUserID: &alice, CreatedAt: base},
		{ID: "r3", ReporterID: "z", ReportedUserID: &bob, CreatedAt: base},
		{ID: "r4", ReporterID: "z", ReportedUserID: &bob, CreatedAt: base.Add(-10 * 24 * time.Hour)},
		{ID: "r5", ReporterID: "z", ReportedListingID: &listing, CreatedAt: base},
	}
	for _, r := range reports {
		r.Reason, r.Status, r.UpdatedAt = "spam", ledger.ReportPending, r.CreatedAt
		require.NoError(t, st.InsertReport(ctx, r))
	}

	counts, err := st.CountReports(ctx, ledger.ReportCountQuery{Target: ledger.TargetUser, Since: base.Add(-7 * 24 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, []ledger.ReportCount{{TargetID: "alice", Count: 2}, {TargetID: "bob", Count: 1}}, counts)

	listings, err := st.CountReports(ctx, ledger.ReportCountQuery{Target: ledger.TargetListing, Since: base.Add(-time.Hour), MinReports: 2})
	require.NoError(t, err)
	require.Empty(t, listings)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	boom := errors.New("boom")

	err := st.InTx(ctx, func(q ledger.Queries) error {
		if err := q.InsertListing(ctx, ledger.Listing{ID: "l1", SellerID: "s", Title: "acct", Price: decimal.NewFromInt(10), Currency: "USD", Status: ledger.ListingActive, CreatedAt: base, UpdatedAt: base}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.GetListing(ctx, "l1")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}
