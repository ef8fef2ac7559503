package purchase

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"accountmarket/escrow"
	"accountmarket/ledger"
	"accountmarket/sale"
	"accountmarket/test/fixture"
	"accountmarket/workflow"
)

var (
	buyer  = ledger.User("buyer")
	seller = ledger.User("seller")
	admin  = ledger.Admin("admin")
)

func newCoordinator(t *testing.T) (*Coordinator, ledger.Store, *fixture.Clock) {
	t.Helper()
	st := fixture.Store(t)
	clock := fixture.NewClock()
	quoter, err := sale.NewQuoter(decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	d := workflow.New(st, workflow.Options{Quoter: quoter, Now: clock.Now})
	sealer, err := escrow.NewSealer(bytes.Repeat([]byte{7}, escrow.KeySize))
	require.NoError(t, err)
	return NewCoordinator(d, escrow.NewEngine(d, sealer)), st, clock
}

func create(t *testing.T, c *Coordinator, listingID string) Created {
	t.Helper()
	out, err := c.CreatePurchase(context.Background(), buyer, CreateRequest{ListingID: listingID, Amount: decimal.NewFromInt(100), Currency: "usd"})
	require.NoError(t, err)
	return out
}

func TestCreatePurchaseHoldsFundsPending(t *testing.T) {
	ctx := context.Background()
	c, st, clock := newCoordinator(t)
	fixture.Listing(t, st, "L", seller.ID, 100, clock.Now())

	out := create(t, c, "L")
	require.Equal(t, ledger.PurchasePending, out.Purchase.Status)
	require.Equal(t, ledger.EscrowPending, out.Escrow.Status)
	require.True(t, out.Escrow.Amount.Equal(decimal.NewFromInt(100)))
	require.Equal(t, out.Purchase.ID, out.Escrow.PurchaseID)
	require.Equal(t, seller.ID, out.Purchase.SellerID)

	l, err := st.GetListing(ctx, "L")
	require.NoError(t, err)
	require.Equal(t, ledger.ListingReserved, l.Status)

	_, err = c.CreatePurchase(ctx, ledger.User("other"), CreateRequest{ListingID: "L", Amount: decimal.NewFromInt(100), Currency: "USD"})
	require.ErrorIs(t, err, ledger.ErrListingUnavailable)
}

func TestCreatePurchaseRejects(t *testing.T) {
	ctx := context.Background()
	c, st, clock := newCoordinator(t)
	fixture.Listing(t, st, "L", seller.ID, 100, clock.Now())

	cases := []struct {
		name  string
		actor ledger.Actor
		req   CreateRequest
		want  error
	}{
		{"own listing", seller, CreateRequest{ListingID: "L", Amount: decimal.NewFromInt(100), Currency: "USD"}, ledger.ErrValidation},
		{"price mismatch", buyer, CreateRequest{ListingID: "L", Amount: decimal.NewFromInt(99), Currency: "USD"}, ledger.ErrValidation},
		{"currency mismatch", buyer, CreateRequest{ListingID: "L", Amount: decimal.NewFromInt(100), Currency: "EUR"}, ledger.ErrValidation},
		{"missing listing", buyer, CreateRequest{ListingID: "nope", Amount: decimal.NewFromInt(100), Currency: "USD"}, ledger.ErrNotFound},
		{"empty request", buyer, CreateRequest{}, ledger.ErrValidation},
		{"admin buyer", admin, CreateRequest{ListingID: "L", Amount: decimal.NewFromInt(100), Currency: "USD"}, ledger.ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CreatePurchase(ctx, tc.actor, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}

	l, err := st.GetListing(ctx, "L")
	require.NoError(t, err)
	require.Equal(t, ledger.ListingActive, l.Status, "failed creations leave the listing untouched")
}

func TestMarkPaidTwiceCreatesOneSale(t *testing.T) {
	ctx := context.Background()
	c, st, clock := newCoordinator(t)
	fixture.Listing(t, st, "L", seller.ID, 100, clock.Now())
	out := create(t, c, "L")

	res, err := c.MarkPaid(ctx, buyer, out.Purchase.ID, "pay_123")
	require.NoError(t, err)
	require.Equal(t, ledger.PurchasePaid, res.Purchase.Status)
	require.True(t, res.Sale.Commission.Equal(decimal.NewFromInt(10)))
	require.True(t, res.Sale.NetAmount.Equal(decimal.NewFromInt(90)))

	_, err = c.MarkPaid(ctx, buyer, out.Purchase.ID, "pay_123")
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	sales, err := st.SalesForSeller(ctx, seller.ID)
	require.NoError(t, err)
	require.Len(t, sales, 1)
}

func TestCreateThenCancelRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, st, clock := newCoordinator(t)
	fixture.Listing(t, st, "L", seller.ID, 100, clock.Now())
	out := create(t, c, "L")

	_, err := c.MarkCancelled(ctx, ledger.User("stranger"), out.Purchase.ID, "")
	require.ErrorIs(t, err, ledger.ErrUnauthorized)

	res, err := c.MarkCancelled(ctx, buyer, out.Purchase.ID, "changed my mind")
	require.NoError(t, err)
	require.Equal(t, ledger.PurchaseCancelled, res.Purchase.Status)
	require.Equal(t, ledger.EscrowCancelled, res.Escrow.Status)
	require.Equal(t, "changed my mind", res.Purchase.CancelReason)

	_, err = st.GetSaleByPurchase(ctx, out.Purchase.ID)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	// the listing can be bought again
	create(t, c, "L")
}

func TestFullLifecycleThroughCoordinator(t *testing.T) {
	ctx := context.Background()
	c, st, clock := newCoordinator(t)
	fixture.Listing(t, st, "L", seller.ID, 100, clock.Now())
	out := create(t, c, "L")
	id := out.Purchase.ID

	_, err := c.MarkPaid(ctx, buyer, id, "pay")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	esc, err := c.MarkDelivered(ctx, seller, id, []byte("login: hunter / pw: 2"), "enjoy")
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowDelivered, esc.Status)
	require.Nil(t, esc.DeliveryProof)

	_, err = c.ConfirmDelivery(ctx, buyer, id, "")
	require.NoError(t, err)
	res, err := c.MarkCompleted(ctx, admin, id, "early payout")
	require.NoError(t, err)
	require.Equal(t, ledger.PurchaseCompleted, res.Purchase.Status)
	require.NotNil(t, res.Purchase.CompletedAt)
	require.Equal(t, ledger.SaleCompleted, res.Sale.Status)
}

func TestDisputeThenRefund(t *testing.T) {
	ctx := context.Background()
	c, st, clock := newCoordinator(t)
	fixture.Listing(t, st, "L", seller.ID, 100, clock.Now())
	id := create(t, c, "L").Purchase.ID

	_, err := c.MarkPaid(ctx, buyer, id, "pay")
	require.NoError(t, err)
	res, err := c.MarkDisputed(ctx, buyer, id, "seller unresponsive")
	require.NoError(t, err)
	require.Equal(t, ledger.PurchaseDisputed, res.Purchase.Status)

	_, err = c.MarkRefunded(ctx, buyer, id, "please")
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
	esc, err := c.MarkRefunded(ctx, admin, id, "seller never delivered")
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowRefunded, esc.Status)

	p, err := c.Get(ctx, buyer, id)
	require.NoError(t, err)
	require.Equal(t, ledger.PurchaseRefunded, p.Status)
	d, err := st.GetDispute(ctx, res.Dispute.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.DisputeClosed, d.Status)
}

func TestPurchaseViews(t *testing.T) {
	ctx := context.Background()
	c, st, clock := newCoordinator(t)
	for _, id := range []string{"L1", "L2", "L3"} {
		fixture.Listing(t, st, id, seller.ID, 100, clock.Now())
		create(t, c, id)
		clock.Advance(time.Minute)
	}

	page, err := c.BuyerPurchases(ctx, buyer, buyer.ID, "", ledger.PageRequest{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	require.Equal(t, "L3", page.Items[0].ListingID, "newest first")

	page, err = c.SellerPurchases(ctx, seller, seller.ID, ledger.PurchasePending, ledger.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)

	_, err = c.BuyerPurchases(ctx, seller, buyer.ID, "", ledger.PageRequest{})
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = c.SellerPurchases(ctx, admin, seller.ID, "bogus", ledger.PageRequest{})
	require.ErrorIs(t, err, ledger.ErrValidation)
}
