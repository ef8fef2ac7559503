// Package dispute arbitrates disagreements raised against a purchase.
package dispute

import (
	"context"
	"strings"
	"time"

	"accountmarket/ledger"
	"accountmarket/notify"
	"accountmarket/workflow"
)

// DefaultOverdueAfter is how long an active dispute may wait before it
// counts as overdue.
const DefaultOverdueAfter = 48 * time.Hour

type Service struct {
	d *workflow.Dispatcher
}

func NewService(d *workflow.Dispatcher) *Service {
	return &Service{d: d}
}

// Create files a dispute and freezes the escrow in one transaction.
func (s *Service) Create(ctx context.Context, actor ledger.Actor, req CreateRequest) (ledger.Dispute, error) {
	if err := req.Validate(); err != nil {
		return ledger.Dispute{}, err
	}
	var res workflow.Result
	err := s.d.Store().InTx(ctx, func(q ledger.Queries) error {
		if req.RespondentID != "" {
			p, err := q.GetPurchase(ctx, req.PurchaseID)
			if err != nil {
				return err
			}
			if req.RespondentID != counterparty(p, actor.ID) {
				return ledger.Invalid("respondent must be the other party of the purchase")
			}
		}
		r, err := s.d.ApplyTx(ctx, q, actor, req.PurchaseID, workflow.DisputeOpened{
			Reason:      req.Reason,
			Description: req.Description,
			Evidence:    req.Evidence,
			Priority:    req.Priority,
		})
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return ledger.Dispute{}, err
	}
	s.d.Publish(ctx, res)
	return *res.Dispute, nil
}

// AssignToAdmin moves an OPEN dispute into review by adminID.
func (s *Service) AssignToAdmin(ctx context.Context, actor ledger.Actor, disputeID, adminID string) (ledger.Dispute, error) {
	if !actor.IsAdmin() {
		return ledger.Dispute{}, ledger.ErrUnauthorized
	}
	if adminID == "" {
		adminID = actor.ID
	}
	var out ledger.Dispute
	var res workflow.Result
	err := s.d.Store().InTx(ctx, func(q ledger.Queries) error {
		d, err := q.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		from := d.Status
		if err := d.Transition(ledger.DisputeInReview, s.d.Now()); err != nil {
			return err
		}
		d.AdminID = &adminID
		if err := q.SaveDispute(ctx, d, from); err != nil {
			return err
		}
		out = d
		res = disputeResult(d, from, notify.DisputeAssigned, map[string]any{"adminId": adminID})
		return nil
	})
	if err != nil {
		return ledger.Dispute{}, err
	}
	s.d.Publish(ctx, res)
	return out, nil
}

// Resolve records an admin verdict on a dispute in review and settles the
// escrow accordingly in the same transaction.
func (s *Service) Resolve(ctx context.Context, actor ledger.Actor, disputeID string, v Verdict) (ledger.Dispute, error) {
	if !actor.IsAdmin() {
		return ledger.Dispute{}, ledger.ErrUnauthorized
	}
	if err := v.Validate(); err != nil {
		return ledger.Dispute{}, err
	}
	var out ledger.Dispute
	var res workflow.Result
	err := s.d.Store().InTx(ctx, func(q ledger.Queries) error {
		d, err := q.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		p, err := q.GetPurchase(ctx, d.PurchaseID)
		if err != nil {
			return err
		}
		disp, err := v.disposition(d.InitiatorID == p.BuyerID)
		if err != nil {
			return err
		}
		from := d.Status
		if err := d.Transition(ledger.DisputeResolved, s.d.Now()); err != nil {
			return err
		}
		resolution := strings.TrimSpace(v.Resolution)
		d.AdminID = &actor.ID
		d.Resolution = &resolution
		d.FavoredParty = v.FavoredParty
		if err := q.SaveDispute(ctx, d, from); err != nil {
			return err
		}

		r, err := s.d.SettleTx(ctx, q, actor, d.PurchaseID, disp, resolution)
		if err != nil {
			return err
		}
		out = d
		res = merge(r, disputeResult(d, from, notify.DisputeResolved, map[string]any{
			"favoredParty": string(d.FavoredParty),
			"disposition":  string(disp),
			"resolution":   resolution,
		}))
		return nil
	})
	if err != nil {
		return ledger.Dispute{}, err
	}
	s.d.Publish(ctx, res)
	return out, nil
}

// Close ends an active dispute without a verdict. The initiator may withdraw:
// a buyer withdrawing releases the funds, a seller withdrawing refunds them.
// An admin must name the disposition.
func (s *Service) Close(ctx context.Context, actor ledger.Actor, disputeID string, req CloseRequest) (ledger.Dispute, error) {
	if req.Disposition != "" && !req.Disposition.Valid() {
		return ledger.Dispute{}, ledger.Invalid("disposition must be release or refund")
	}
	var out ledger.Dispute
	var res workflow.Result
	err := s.d.Store().InTx(ctx, func(q ledger.Queries) error {
		d, err := q.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		p, err := q.GetPurchase(ctx, d.PurchaseID)
		if err != nil {
			return err
		}

		disp := req.Disposition
		switch {
		case actor.IsAdmin():
			if disp == "" {
				return ledger.Invalid("an admin closing a dispute must choose release or refund")
			}
		case actor.ID == d.InitiatorID && actor.ID == p.BuyerID:
			disp = ledger.DispositionRelease
		case actor.ID == d.InitiatorID && actor.ID == p.SellerID:
			disp = ledger.DispositionRefund
		default:
			return ledger.ErrUnauthorized
		}
		if req.Disposition != "" && req.Disposition != disp {
			return ledger.Invalid("a withdrawing %s cannot choose %s", partyName(p, actor.ID), req.Disposition)
		}

		from := d.Status
		if err := d.Transition(ledger.DisputeClosed, s.d.Now()); err != nil {
			return err
		}
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "withdrawn by " + partyName(p, actor.ID)
		}
		d.CloseReason = reason
		if actor.IsAdmin() {
			d.AdminID = &actor.ID
		}
		if err := q.SaveDispute(ctx, d, from); err != nil {
			return err
		}

		r, err := s.d.SettleTx(ctx, q, actor, d.PurchaseID, disp, reason)
		if err != nil {
			return err
		}
		out = d
		res = merge(r, disputeResult(d, from, notify.DisputeClosed, map[string]any{
			"disposition": string(disp),
			"reason":      reason,
		}))
		return nil
	})
	if err != nil {
		return ledger.Dispute{}, err
	}
	s.d.Publish(ctx, res)
	return out, nil
}

// Escalate reassigns the priority of an active dispute. Status is unchanged.
func (s *Service) Escalate(ctx context.Context, actor ledger.Actor, disputeID string, priority ledger.DisputePriority) (ledger.Dispute, error) {
	if !actor.Privileged() {
		return ledger.Dispute{}, ledger.ErrUnauthorized
	}
	if !priority.Valid() {
		return ledger.Dispute{}, ledger.Invalid("unknown dispute priority %q", priority)
	}
	var out ledger.Dispute
	err := s.d.Store().InTx(ctx, func(q ledger.Queries) error {
		d, err := q.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if !d.Active() {
			return &ledger.TransitionError{Entity: "dispute", ID: d.ID, From: string(d.Status), To: "escalated"}
		}
		now := s.d.Now()
		d.Priority = priority
		d.EscalatedAt = &now
		d.UpdatedAt = now
		if err := q.SaveDispute(ctx, d, d.Status); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return ledger.Dispute{}, err
	}
	s.d.Notifier().Emit(ctx, escalated(out)...)
	return out, nil
}

// Overdue returns active disputes older than after, most urgent first.
func (s *Service) Overdue(ctx context.Context, actor ledger.Actor, after time.Duration, limit int) ([]ledger.Dispute, error) {
	if !actor.Privileged() {
		return nil, ledger.ErrUnauthorized
	}
	if after <= 0 {
		after = DefaultOverdueAfter
	}
	if limit <= 0 || limit > ledger.MaxPageLimit {
		limit = ledger.MaxPageLimit
	}
	return s.d.Store().OverdueDisputes(ctx, s.d.Now().Add(-after), limit)
}

// Get returns a dispute to either party or an admin.
func (s *Service) Get(ctx context.Context, actor ledger.Actor, disputeID string) (ledger.Dispute, error) {
	d, err := s.d.Store().GetDispute(ctx, disputeID)
	if err != nil {
		return ledger.Dispute{}, err
	}
	if actor.ID != d.InitiatorID && actor.ID != d.RespondentID && !actor.Privileged() {
		return ledger.Dispute{}, ledger.ErrUnauthorized
	}
	return d, nil
}

// UserDisputes pages through disputes the actor initiated or responds to.
func (s *Service) UserDisputes(ctx context.Context, actor ledger.Actor, q ledger.DisputeQuery) (ledger.Page[ledger.Dispute], error) {
	if actor.ID == "" {
		return ledger.Page[ledger.Dispute]{}, ledger.ErrUnauthorized
	}
	q.PartyID = actor.ID
	q.AdminID, q.Unassigned = "", false
	if err := q.Validate(); err != nil {
		return ledger.Page[ledger.Dispute]{}, err
	}
	return s.d.Store().ListDisputes(ctx, q)
}

// AdminDisputes pages through the admin queue, priority first then oldest.
func (s *Service) AdminDisputes(ctx context.Context, actor ledger.Actor, q ledger.DisputeQuery) (ledger.Page[ledger.Dispute], error) {
	if !actor.IsAdmin() {
		return ledger.Page[ledger.Dispute]{}, ledger.ErrUnauthorized
	}
	if err := q.Validate(); err != nil {
		return ledger.Page[ledger.Dispute]{}, err
	}
	return s.d.Store().ListDisputes(ctx, q)
}

func counterparty(p ledger.Purchase, userID string) string {
	if userID == p.SellerID {
		return p.BuyerID
	}
	return p.SellerID
}

func partyName(p ledger.Purchase, userID string) string {
	switch userID {
	case p.BuyerID:
		return "buyer"
	case p.SellerID:
		return "seller"
	}
	return "admin"
}

func disputeResult(d ledger.Dispute, from ledger.DisputeStatus, t notify.EventType, data map[string]any) workflow.Result {
	res := workflow.Result{
		Changes: []workflow.Change{{Entity: "dispute", ID: d.ID, From: string(from), To: string(d.Status)}},
	}
	for _, uid := range []string{d.InitiatorID, d.RespondentID} {
		res.Events = append(res.Events, notify.Event{Type: t, UserID: uid, RelatedID: d.ID, Data: data, OccurredAt: d.UpdatedAt})
	}
	return res
}

func merge(base, extra workflow.Result) workflow.Result {
	base.Changes = append(base.Changes, extra.Changes...)
	base.Events = append(base.Events, extra.Events...)
	return base
}

func escalated(d ledger.Dispute) []notify.Event {
	if d.AdminID == nil {
		return nil
	}
	return []notify.Event{{
		Type:       notify.DisputeEscalated,
		UserID:     *d.AdminID,
		RelatedID:  d.ID,
		Data:       map[string]any{"priority": string(d.Priority)},
		OccurredAt: d.UpdatedAt,
	}}
}
