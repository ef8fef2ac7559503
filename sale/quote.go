// Package sale keeps the seller-side finance view of a transaction.
package sale

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"accountmarket/ledger"
)

// zeroDecimal lists currencies without a minor unit.
var zeroDecimal = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
	"CLP": true,
	"ISK": true,
}

// MinorUnits returns the number of fractional digits of currency.
func MinorUnits(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// Quote is the frozen commission split of one sale.
type Quote struct {
	Amount     decimal.Decimal
	Currency   string
	Rate       decimal.Decimal
	Commission decimal.Decimal
	Net        decimal.Decimal
}

// RateScale is the number of decimal places the ledger keeps for a frozen
// commission rate.
const RateScale = 6

// Quoter computes commission at a fixed platform rate.
type Quoter struct {
	rate decimal.Decimal
}

func NewQuoter(rate decimal.Decimal) (Quoter, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Quoter{}, ledger.Invalid("commission rate %s outside [0, 1)", rate)
	}
	if !rate.Equal(rate.Round(RateScale)) {
		return Quoter{}, ledger.Invalid("commission rate %s has more than %d decimal places", rate, RateScale)
	}
	return Quoter{rate: rate}, nil
}

func (q Quoter) Rate() decimal.Decimal { return q.rate }

// Quote rounds the commission to the currency's smallest unit and derives the
// net from it, so Commission + Net == Amount holds exactly.
func (q Quoter) Quote(amount decimal.Decimal, currency string) (Quote, error) {
	if !amount.IsPositive() {
		return Quote{}, ledger.Invalid("sale amount must be positive")
	}
	commission := amount.Mul(q.rate).Round(MinorUnits(currency))
	return Quote{
		Amount:     amount,
		Currency:   currency,
		Rate:       q.rate,
		Commission: commission,
		Net:        amount.Sub(commission),
	}, nil
}

// Build returns the PENDING sale for a paid purchase.
func (q Quoter) Build(id string, p ledger.Purchase, at time.Time) (ledger.Sale, error) {
	quote, err := q.Quote(p.Amount, p.Currency)
	if err != nil {
		return ledger.Sale{}, err
	}
	at = ledger.Timestamp(at)
	return ledger.Sale{
		ID:             id,
		SellerID:       p.SellerID,
		BuyerID:        p.BuyerID,
		ListingID:      p.ListingID,
		PurchaseID:     p.ID,
		Amount:         quote.Amount,
		Currency:       quote.Currency,
		CommissionRate: quote.Rate,
		Commission:     quote.Commission,
		NetAmount:      quote.Net,
		Status:         ledger.SalePending,
		SoldAt:         at,
		UpdatedAt:      at,
	}, nil
}
