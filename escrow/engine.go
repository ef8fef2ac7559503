// Package escrow exposes escrow-keyed operations on top of the workflow
// dispatcher and keeps delivery proofs sealed at rest.
package escrow

import (
	"context"
	"errors"
	"strings"

	"accountmarket/ledger"
	"accountmarket/notify"
	"accountmarket/workflow"
)

// Engine owns the escrow state machine. Every status change goes through the
// dispatcher so the purchase and sale move with the escrow.
type Engine struct {
	d      *workflow.Dispatcher
	sealer *Sealer
}

func NewEngine(d *workflow.Dispatcher, sealer *Sealer) *Engine {
	return &Engine{d: d, sealer: sealer}
}

// FundRequest carries the already-cleared payment.
type FundRequest struct {
	PaymentID     string
	PaymentMethod string
	PaymentProof  string
}

// Get returns an escrow visible to the actor with the delivery proof withheld.
func (e *Engine) Get(ctx context.Context, actor ledger.Actor, escrowID string) (ledger.Escrow, error) {
	esc, err := e.d.Store().GetEscrow(ctx, escrowID)
	if err != nil {
		return ledger.Escrow{}, err
	}
	if _, ok := ledger.PartyOf(actor, esc.BuyerID, esc.SellerID); !ok {
		return ledger.Escrow{}, ledger.ErrUnauthorized
	}
	return redact(esc), nil
}

// ByPurchase returns the escrow of a purchase.
func (e *Engine) ByPurchase(ctx context.Context, actor ledger.Actor, purchaseID string) (ledger.Escrow, error) {
	esc, err := e.d.Store().GetEscrowByPurchase(ctx, purchaseID)
	if err != nil {
		return ledger.Escrow{}, err
	}
	if _, ok := ledger.PartyOf(actor, esc.BuyerID, esc.SellerID); !ok {
		return ledger.Escrow{}, ledger.ErrUnauthorized
	}
	return redact(esc), nil
}

func (e *Engine) Fund(ctx context.Context, actor ledger.Actor, escrowID string, req FundRequest) (ledger.Escrow, error) {
	return e.apply(ctx, actor, escrowID, workflow.Funded{
		PaymentID:     req.PaymentID,
		PaymentMethod: req.PaymentMethod,
		PaymentProof:  req.PaymentProof,
	})
}

// MarkDelivered seals proof to the escrow and records the handover.
func (e *Engine) MarkDelivered(ctx context.Context, actor ledger.Actor, escrowID string, proof []byte, sellerNotes string) (ledger.Escrow, error) {
	if len(proof) == 0 {
		return ledger.Escrow{}, ledger.Invalid("delivery proof is required")
	}
	sealed, err := e.sealer.Seal(escrowID, proof)
	if err != nil {
		return ledger.Escrow{}, err
	}
	return e.apply(ctx, actor, escrowID, workflow.Delivered{SealedProof: sealed, SellerNotes: sellerNotes})
}

func (e *Engine) ConfirmDelivery(ctx context.Context, actor ledger.Actor, escrowID, buyerNotes string) (ledger.Escrow, error) {
	return e.apply(ctx, actor, escrowID, workflow.Confirmed{BuyerNotes: buyerNotes})
}

// InitiateDispute freezes the funds and files a dispute against the other party.
func (e *Engine) InitiateDispute(ctx context.Context, actor ledger.Actor, escrowID, reason string) (ledger.Escrow, error) {
	return e.apply(ctx, actor, escrowID, workflow.DisputeOpened{Reason: reason})
}

// Release pays out a confirmed escrow ahead of the auto-release window.
func (e *Engine) Release(ctx context.Context, actor ledger.Actor, escrowID, adminNotes string) (ledger.Escrow, error) {
	return e.apply(ctx, actor, escrowID, workflow.Released{AdminNotes: adminNotes})
}

func (e *Engine) Cancel(ctx context.Context, actor ledger.Actor, escrowID, reason string) (ledger.Escrow, error) {
	return e.apply(ctx, actor, escrowID, workflow.Cancelled{Reason: reason})
}

// ResolveDispute moves a DISPUTED escrow to RELEASED or REFUNDED. An active
// dispute record on the purchase is closed with the admin notes as its
// close reason in the same transaction.
func (e *Engine) ResolveDispute(ctx context.Context, actor ledger.Actor, escrowID string, disp ledger.Disposition, adminNotes string) (ledger.Escrow, error) {
	if !actor.IsAdmin() {
		return ledger.Escrow{}, ledger.ErrUnauthorized
	}
	if !disp.Valid() {
		return ledger.Escrow{}, ledger.Invalid("disposition must be release or refund")
	}
	if strings.TrimSpace(adminNotes) == "" {
		return ledger.Escrow{}, ledger.Invalid("admin notes are required")
	}

	var res workflow.Result
	var closed *ledger.Dispute
	err := e.d.Store().InTx(ctx, func(q ledger.Queries) error {
		esc, err := q.GetEscrow(ctx, escrowID)
		if err != nil {
			return err
		}
		d, err := q.ActiveDispute(ctx, esc.PurchaseID)
		switch {
		case err == nil:
			from := d.Status
			if err := d.Transition(ledger.DisputeClosed, e.d.Now()); err != nil {
				return err
			}
			d.AdminID = &actor.ID
			d.CloseReason = adminNotes
			if err := q.SaveDispute(ctx, d, from); err != nil {
				return err
			}
			closed = &d
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}
		r, err := e.d.SettleTx(ctx, q, actor, esc.PurchaseID, disp, adminNotes)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return ledger.Escrow{}, err
	}
	if closed != nil {
		res.Changes = append(res.Changes, workflow.Change{Entity: "dispute", ID: closed.ID, From: "", To: string(closed.Status)})
		for _, uid := range []string{closed.InitiatorID, closed.RespondentID} {
			res.Events = append(res.Events, notify.Event{
				Type:       notify.DisputeClosed,
				UserID:     uid,
				RelatedID:  closed.ID,
				Data:       map[string]any{"disposition": string(disp)},
				OccurredAt: res.Escrow.UpdatedAt,
			})
		}
	}
	e.d.Publish(ctx, res)
	return redact(res.Escrow), nil
}

// RevealDelivery opens the sealed delivery proof for the buyer or an admin
// once the seller has delivered.
func (e *Engine) RevealDelivery(ctx context.Context, actor ledger.Actor, escrowID string) ([]byte, error) {
	esc, err := e.d.Store().GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	party, ok := ledger.PartyOf(actor, esc.BuyerID, esc.SellerID)
	if !ok || (party != ledger.PartyBuyer && party != ledger.PartyAdmin) {
		return nil, ledger.ErrUnauthorized
	}
	if len(esc.DeliveryProof) == 0 {
		return nil, &ledger.TransitionError{Entity: "escrow", ID: esc.ID, From: string(esc.Status), To: "reveal"}
	}
	return e.sealer.Open(esc.ID, esc.DeliveryProof)
}

func (e *Engine) apply(ctx context.Context, actor ledger.Actor, escrowID string, ev workflow.Event) (ledger.Escrow, error) {
	esc, err := e.d.Store().GetEscrow(ctx, escrowID)
	if err != nil {
		return ledger.Escrow{}, err
	}
	res, err := e.d.Apply(ctx, actor, esc.PurchaseID, ev)
	if err != nil {
		return ledger.Escrow{}, err
	}
	return redact(res.Escrow), nil
}

func redact(esc ledger.Escrow) ledger.Escrow {
	esc.DeliveryProof = nil
	return esc
}
