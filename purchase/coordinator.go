// Package purchase turns a listing selection into a purchase and escrow pair
// and drives the pair through the workflow from the buyer's side.
package purchase

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"accountmarket/escrow"
	"accountmarket/ledger"
	"accountmarket/notify"
	"accountmarket/workflow"
)

type Coordinator struct {
	d      *workflow.Dispatcher
	escrow *escrow.Engine
}

func NewCoordinator(d *workflow.Dispatcher, engine *escrow.Engine) *Coordinator {
	return &Coordinator{d: d, escrow: engine}
}

// CreateRequest selects a listing at the price the buyer saw.
type CreateRequest struct {
	ListingID     string
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
}

func (r CreateRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ListingID) == "":
		return ledger.Invalid("listing id is required")
	case !r.Amount.IsPositive():
		return ledger.Invalid("amount must be positive")
	case len(r.Currency) != 3:
		return ledger.Invalid("currency must be a 3-letter code")
	}
	return nil
}

// Created is the purchase and escrow persisted together.
type Created struct {
	Purchase ledger.Purchase
	Escrow   ledger.Escrow
}

// CreatePurchase reserves the listing and persists a PENDING purchase with
// its PENDING escrow in one transaction.
func (c *Coordinator) CreatePurchase(ctx context.Context, actor ledger.Actor, req CreateRequest) (Created, error) {
	if actor.ID == "" || actor.Role != ledger.RoleUser {
		return Created{}, ledger.ErrUnauthorized
	}
	if err := req.Validate(); err != nil {
		return Created{}, err
	}
	now := c.d.Now()
	currency := strings.ToUpper(req.Currency)

	var out Created
	err := c.d.Store().InTx(ctx, func(q ledger.Queries) error {
		l, err := c.d.Catalog().Purchasable(ctx, q, req.ListingID, now)
		if err != nil {
			return err
		}
		if l.SellerID == actor.ID {
			return ledger.Invalid("sellers cannot buy their own listing")
		}
		if !l.Price.Equal(req.Amount) || !strings.EqualFold(l.Currency, currency) {
			return ledger.Invalid("amount %s %s does not match listing price %s %s", req.Amount, currency, l.Price, l.Currency)
		}
		if err := c.d.Catalog().Reserve(ctx, q, l.ID, now); err != nil {
			return err
		}

		p := ledger.Purchase{
			ID:            c.d.NewID(),
			BuyerID:       actor.ID,
			ListingID:     l.ID,
			SellerID:      l.SellerID,
			Amount:        l.Price,
			Currency:      l.Currency,
			PaymentMethod: req.PaymentMethod,
			Status:        ledger.PurchasePending,
			PurchasedAt:   now,
			UpdatedAt:     now,
		}
		if err := q.InsertPurchase(ctx, p); err != nil {
			return err
		}
		e := ledger.Escrow{
			ID:         c.d.NewID(),
			PurchaseID: p.ID,
			ListingID:  p.ListingID,
			BuyerID:    p.BuyerID,
			SellerID:   p.SellerID,
			Amount:     p.Amount,
			Currency:   p.Currency,
			Status:     ledger.EscrowPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := q.InsertEscrow(ctx, e); err != nil {
			return err
		}
		out = Created{Purchase: p, Escrow: e}
		return nil
	})
	if err != nil {
		return Created{}, err
	}

	c.d.Publish(ctx, workflow.Result{
		Purchase: out.Purchase,
		Escrow:   out.Escrow,
		Changes: []workflow.Change{
			{Entity: "purchase", ID: out.Purchase.ID, To: string(out.Purchase.Status)},
			{Entity: "escrow", ID: out.Escrow.ID, To: string(out.Escrow.Status)},
		},
		Events: []notify.Event{{
			Type:       notify.PurchaseCreated,
			UserID:     out.Purchase.SellerID,
			RelatedID:  out.Purchase.ID,
			Data:       map[string]any{"listingId": out.Purchase.ListingID, "amount": out.Purchase.Amount.String(), "currency": out.Purchase.Currency},
			OccurredAt: now,
		}},
	})
	return out, nil
}

// MarkPaid records the cleared payment and funds the escrow. A second call
// for the same purchase fails with ErrInvalidTransition.
func (c *Coordinator) MarkPaid(ctx context.Context, actor ledger.Actor, purchaseID, paymentID string) (workflow.Result, error) {
	return c.d.Apply(ctx, actor, purchaseID, workflow.Funded{PaymentID: paymentID})
}

func (c *Coordinator) MarkDelivered(ctx context.Context, actor ledger.Actor, purchaseID string, proof []byte, sellerNotes string) (ledger.Escrow, error) {
	escrowID, err := c.escrowID(ctx, purchaseID)
	if err != nil {
		return ledger.Escrow{}, err
	}
	return c.escrow.MarkDelivered(ctx, actor, escrowID, proof, sellerNotes)
}

func (c *Coordinator) ConfirmDelivery(ctx context.Context, actor ledger.Actor, purchaseID, buyerNotes string) (workflow.Result, error) {
	return c.d.Apply(ctx, actor, purchaseID, workflow.Confirmed{BuyerNotes: buyerNotes})
}

// MarkCompleted releases the funds of a confirmed purchase.
func (c *Coordinator) MarkCompleted(ctx context.Context, actor ledger.Actor, purchaseID, notes string) (workflow.Result, error) {
	return c.d.Apply(ctx, actor, purchaseID, workflow.Released{AdminNotes: notes})
}

func (c *Coordinator) MarkCancelled(ctx context.Context, actor ledger.Actor, purchaseID, reason string) (workflow.Result, error) {
	return c.d.Apply(ctx, actor, purchaseID, workflow.Cancelled{Reason: reason})
}

func (c *Coordinator) MarkDisputed(ctx context.Context, actor ledger.Actor, purchaseID, reason string) (workflow.Result, error) {
	return c.d.Apply(ctx, actor, purchaseID, workflow.DisputeOpened{Reason: reason})
}

// MarkRefunded returns the funds of a disputed purchase to the buyer.
func (c *Coordinator) MarkRefunded(ctx context.Context, actor ledger.Actor, purchaseID, adminNotes string) (ledger.Escrow, error) {
	escrowID, err := c.escrowID(ctx, purchaseID)
	if err != nil {
		return ledger.Escrow{}, err
	}
	return c.escrow.ResolveDispute(ctx, actor, escrowID, ledger.DispositionRefund, adminNotes)
}

func (c *Coordinator) Get(ctx context.Context, actor ledger.Actor, purchaseID string) (ledger.Purchase, error) {
	p, err := c.d.Store().GetPurchase(ctx, purchaseID)
	if err != nil {
		return ledger.Purchase{}, err
	}
	if _, ok := ledger.PartyOf(actor, p.BuyerID, p.SellerID); !ok {
		return ledger.Purchase{}, ledger.ErrUnauthorized
	}
	return p, nil
}

// BuyerPurchases pages through purchases made by buyerID, newest first.
func (c *Coordinator) BuyerPurchases(ctx context.Context, actor ledger.Actor, buyerID string, status ledger.PurchaseStatus, page ledger.PageRequest) (ledger.Page[ledger.Purchase], error) {
	if actor.ID != buyerID && !actor.Privileged() {
		return ledger.Page[ledger.Purchase]{}, ledger.ErrUnauthorized
	}
	q := ledger.PurchaseQuery{PageRequest: page, BuyerID: buyerID, Status: status}
	if err := q.Validate(); err != nil {
		return ledger.Page[ledger.Purchase]{}, err
	}
	return c.d.Store().ListPurchases(ctx, q)
}

// SellerPurchases pages through purchases of sellerID's listings, newest first.
func (c *Coordinator) SellerPurchases(ctx context.Context, actor ledger.Actor, sellerID string, status ledger.PurchaseStatus, page ledger.PageRequest) (ledger.Page[ledger.Purchase], error) {
	if actor.ID != sellerID && !actor.Privileged() {
		return ledger.Page[ledger.Purchase]{}, ledger.ErrUnauthorized
	}
	q := ledger.PurchaseQuery{PageRequest: page, SellerID: sellerID, Status: status}
	if err := q.Validate(); err != nil {
		return ledger.Page[ledger.Purchase]{}, err
	}
	return c.d.Store().ListPurchases(ctx, q)
}

func (c *Coordinator) escrowID(ctx context.Context, purchaseID string) (string, error) {
	e, err := c.d.Store().GetEscrowByPurchase(ctx, purchaseID)
	if err != nil {
		return "", err
	}
	return e.ID, nil
}
