package sale

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"accountmarket/ledger"
)

// Ledger answers seller finance queries. Sale status is only ever changed by
// the workflow dispatcher.
type Ledger struct {
	store ledger.Queries
}

func NewLedger(store ledger.Queries) *Ledger {
	return &Ledger{store: store}
}

// Get returns a sale visible to the actor.
func (l *Ledger) Get(ctx context.Context, actor ledger.Actor, id string) (ledger.Sale, error) {
	s, err := l.store.GetSale(ctx, id)
	if err != nil {
		return ledger.Sale{}, err
	}
	if _, ok := ledger.PartyOf(actor, s.BuyerID, s.SellerID); !ok {
		return ledger.Sale{}, ledger.ErrUnauthorized
	}
	return s, nil
}

// ForPurchase returns the sale of a purchase, if one was created.
func (l *Ledger) ForPurchase(ctx context.Context, actor ledger.Actor, purchaseID string) (ledger.Sale, error) {
	s, err := l.store.GetSaleByPurchase(ctx, purchaseID)
	if err != nil {
		return ledger.Sale{}, err
	}
	if _, ok := ledger.PartyOf(actor, s.BuyerID, s.SellerID); !ok {
		return ledger.Sale{}, ledger.ErrUnauthorized
	}
	return s, nil
}

// SellerSales pages through a seller's sales, newest first.
func (l *Ledger) SellerSales(ctx context.Context, actor ledger.Actor, q ledger.SaleQuery) (ledger.Page[ledger.Sale], error) {
	if err := q.Validate(); err != nil {
		return ledger.Page[ledger.Sale]{}, err
	}
	if actor.ID != q.SellerID && !actor.Privileged() {
		return ledger.Page[ledger.Sale]{}, ledger.ErrUnauthorized
	}
	return l.store.ListSales(ctx, q)
}

// Totals aggregates one currency of a seller's sales.
type Totals struct {
	Completed  int
	Gross      decimal.Decimal
	Commission decimal.Decimal
	Net        decimal.Decimal
	// PendingNet is the net of sales still in flight.
	PendingNet decimal.Decimal
}

// Summary is a seller's payout overview keyed by currency.
type Summary struct {
	SellerID   string
	Currencies []string
	Totals     map[string]Totals
}

// Summary totals the seller's completed sales and the net still in flight.
func (l *Ledger) Summary(ctx context.Context, actor ledger.Actor, sellerID string) (Summary, error) {
	if sellerID == "" {
		return Summary{}, ledger.Invalid("summary needs a seller")
	}
	if actor.ID != sellerID && !actor.Privileged() {
		return Summary{}, ledger.ErrUnauthorized
	}
	sales, err := l.store.SalesForSeller(ctx, sellerID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(sellerID, sales), nil
}

// Summarize folds sales into per-currency totals.
func Summarize(sellerID string, sales []ledger.Sale) Summary {
	out := Summary{SellerID: sellerID, Totals: map[string]Totals{}}
	for _, s := range sales {
		t, seen := out.Totals[s.Currency]
		if !seen {
			t = Totals{Gross: decimal.Zero, Commission: decimal.Zero, Net: decimal.Zero, PendingNet: decimal.Zero}
			out.Currencies = append(out.Currencies, s.Currency)
		}
		switch s.Status {
		case ledger.SaleCompleted:
			t.Completed++
			t.Gross = t.Gross.Add(s.Amount)
			t.Commission = t.Commission.Add(s.Commission)
			t.Net = t.Net.Add(s.NetAmount)
		case ledger.SalePending, ledger.SaleDelivered, ledger.SaleDisputed:
			t.PendingNet = t.PendingNet.Add(s.NetAmount)
		}
		out.Totals[s.Currency] = t
	}
	sort.Strings(out.Currencies)
	return out
}
