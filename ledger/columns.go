package ledger

// Column is one mutable column and its value for a status-guarded save.
// Immutable columns (ids, parties, amounts, commission) never appear here.
type Column struct {
	Name  string
	Value any
}

func (p Purchase) MutableColumns() []Column {
	return []Column{
		{"status", string(p.Status)},
		{"payment_method", p.PaymentMethod},
		{"payment_id", p.PaymentID},
		{"cancel_reason", p.CancelReason},
		{"paid_at", p.PaidAt},
		{"delivered_at", p.DeliveredAt},
		{"disputed_at", p.DisputedAt},
		{"completed_at", p.CompletedAt},
		{"cancelled_at", p.CancelledAt},
		{"refunded_at", p.RefundedAt},
		{"updated_at", p.UpdatedAt},
	}
}

func (e Escrow) MutableColumns() []Column {
	return []Column{
		{"status", string(e.Status)},
		{"payment_proof", e.PaymentProof},
		{"delivery_proof", e.DeliveryProof},
		{"buyer_notes", e.BuyerNotes},
		{"seller_notes", e.SellerNotes},
		{"admin_notes", e.AdminNotes},
		{"cancel_reason", e.CancelReason},
		{"funds_held_at", e.FundsHeldAt},
		{"account_delivered_at", e.AccountDeliveredAt},
		{"buyer_confirmed_at", e.BuyerConfirmedAt},
		{"dispute_started_at", e.DisputeStartedAt},
		{"released_at", e.ReleasedAt},
		{"resolved_at", e.ResolvedAt},
		{"cancelled_at", e.CancelledAt},
		{"updated_at", e.UpdatedAt},
	}
}

func (s Sale) MutableColumns() []Column {
	return []Column{
		{"status", string(s.Status)},
		{"delivered_at", s.DeliveredAt},
		{"disputed_at", s.DisputedAt},
		{"completed_at", s.CompletedAt},
		{"cancelled_at", s.CancelledAt},
		{"refunded_at", s.RefundedAt},
		{"updated_at", s.UpdatedAt},
	}
}

func (d Dispute) MutableColumns() []Column {
	return []Column{
		{"status", string(d.Status)},
		{"priority", string(d.Priority)},
		{"admin_id", d.AdminID},
		{"resolution", d.Resolution},
		{"favored_party", string(d.FavoredParty)},
		{"close_reason", d.CloseReason},
		{"reviewed_at", d.ReviewedAt},
		{"resolved_at", d.ResolvedAt},
		{"closed_at", d.ClosedAt},
		{"escalated_at", d.EscalatedAt},
		{"updated_at", d.UpdatedAt},
	}
}

func (r Report) MutableColumns() []Column {
	return []Column{
		{"status", string(r.Status)},
		{"admin_id", r.AdminID},
		{"resolution", r.Resolution},
		{"action_taken", r.ActionTaken},
		{"reviewed_at", r.ReviewedAt},
		{"resolved_at", r.ResolvedAt},
		{"dismissed_at", r.DismissedAt},
		{"updated_at", r.UpdatedAt},
	}
}

// Stamp columns written by bulk transitions, keyed by target status.
var (
	PurchaseStampColumns = map[PurchaseStatus]string{
		PurchasePaid:      "paid_at",
		PurchaseDelivered: "delivered_at",
		PurchaseDisputed:  "disputed_at",
		PurchaseCompleted: "completed_at",
		PurchaseCancelled: "cancelled_at",
		PurchaseRefunded:  "refunded_at",
	}
	EscrowStampColumns = map[EscrowStatus]string{
		EscrowFunded:    "funds_held_at",
		EscrowDelivered: "account_delivered_at",
		EscrowConfirmed: "buyer_confirmed_at",
		EscrowDisputed:  "dispute_started_at",
		EscrowReleased:  "released_at",
		EscrowRefunded:  "resolved_at",
		EscrowCancelled: "cancelled_at",
	}
	SaleStampColumns = map[SaleStatus]string{
		SaleDelivered: "delivered_at",
		SaleDisputed:  "disputed_at",
		SaleCompleted: "completed_at",
		SaleCancelled: "cancelled_at",
		SaleRefunded:  "refunded_at",
	}
	ListingStampColumns = map[ListingStatus]string{}
)
