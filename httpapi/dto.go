package httpapi

import (
	"time"

	"accountmarket/ledger"
	"accountmarket/sale"
)

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func stampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := stamp(*t)
	return &s
}

type pageResponse[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

func toPage[E, T any](p ledger.Page[E], conv func(E) T) pageResponse[T] {
	items := make([]T, 0, len(p.Items))
	for _, e := range p.Items {
		items = append(items, conv(e))
	}
	return pageResponse[T]{Items: items, Total: p.Total, Page: p.Page, Limit: p.Limit, TotalPages: p.TotalPages}
}

type purchaseResponse struct {
	ID            string  `json:"id"`
	BuyerID       string  `json:"buyerId"`
	SellerID      string  `json:"sellerId"`
	ListingID     string  `json:"listingId"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"paymentMethod,omitempty"`
	PaymentID     string  `json:"paymentId,omitempty"`
	Status        string  `json:"status"`
	CancelReason  string  `json:"cancelReason,omitempty"`
	PurchasedAt   string  `json:"purchasedAt"`
	PaidAt        *string `json:"paidAt,omitempty"`
	DeliveredAt   *string `json:"deliveredAt,omitempty"`
	DisputedAt    *string `json:"disputedAt,omitempty"`
	CompletedAt   *string `json:"completedAt,omitempty"`
	CancelledAt   *string `json:"cancelledAt,omitempty"`
	RefundedAt    *string `json:"refundedAt,omitempty"`
	UpdatedAt     string  `json:"updatedAt"`
}

func newPurchaseResponse(p ledger.Purchase) purchaseResponse {
	return purchaseResponse{
		ID:            p.ID,
		BuyerID:       p.BuyerID,
		SellerID:      p.SellerID,
		ListingID:     p.ListingID,
		Amount:        p.Amount.String(),
		Currency:      p.Currency,
		PaymentMethod: p.PaymentMethod,
		PaymentID:     p.PaymentID,
		Status:        string(p.Status),
		CancelReason:  p.CancelReason,
		PurchasedAt:   stamp(p.PurchasedAt),
		PaidAt:        stampPtr(p.PaidAt),
		DeliveredAt:   stampPtr(p.DeliveredAt),
		DisputedAt:    stampPtr(p.DisputedAt),
		CompletedAt:   stampPtr(p.CompletedAt),
		CancelledAt:   stampPtr(p.CancelledAt),
		RefundedAt:    stampPtr(p.RefundedAt),
		UpdatedAt:     stamp(p.UpdatedAt),
	}
}

// escrowResponse never carries the sealed delivery proof.
type escrowResponse struct {
	ID                 string  `json:"id"`
	PurchaseID         string  `json:"purchaseId"`
	ListingID          string  `json:"listingId"`
	BuyerID            string  `json:"buyerId"`
	SellerID           string  `json:"sellerId"`
	Amount             string  `json:"amount"`
	Currency           string  `json:"currency"`
	Status             string  `json:"status"`
	PaymentProof       string  `json:"paymentProof,omitempty"`
	HasDeliveryProof   bool    `json:"hasDeliveryProof"`
	BuyerNotes         string  `json:"buyerNotes,omitempty"`
	SellerNotes        string  `json:"sellerNotes,omitempty"`
	AdminNotes         string  `json:"adminNotes,omitempty"`
	CancelReason       string  `json:"cancelReason,omitempty"`
	FundsHeldAt        *string `json:"fundsHeldAt,omitempty"`
	AccountDeliveredAt *string `json:"accountDeliveredAt,omitempty"`
	BuyerConfirmedAt   *string `json:"buyerConfirmedAt,omitempty"`
	DisputeStartedAt   *string `json:"disputeStartedAt,omitempty"`
	ReleasedAt         *string `json:"releasedAt,omitempty"`
	ResolvedAt         *string `json:"resolvedAt,omitempty"`
	CancelledAt        *string `json:"cancelledAt,omitempty"`
	CreatedAt          string  `json:"createdAt"`
	UpdatedAt          string  `json:"updatedAt"`
}

func newEscrowResponse(e ledger.Escrow) escrowResponse {
	return escrowResponse{
		ID:                 e.ID,
		PurchaseID:         e.PurchaseID,
		ListingID:          e.ListingID,
		BuyerID:            e.BuyerID,
		SellerID:           e.SellerID,
		Amount:             e.Amount.String(),
		Currency:           e.Currency,
		Status:             string(e.Status),
		PaymentProof:       e.PaymentProof,
		HasDeliveryProof:   e.AccountDeliveredAt != nil,
		BuyerNotes:         e.BuyerNotes,
		SellerNotes:        e.SellerNotes,
		AdminNotes:         e.AdminNotes,
		CancelReason:       e.CancelReason,
		FundsHeldAt:        stampPtr(e.FundsHeldAt),
		AccountDeliveredAt: stampPtr(e.AccountDeliveredAt),
		BuyerConfirmedAt:   stampPtr(e.BuyerConfirmedAt),
		DisputeStartedAt:   stampPtr(e.DisputeStartedAt),
		ReleasedAt:         stampPtr(e.ReleasedAt),
		ResolvedAt:         stampPtr(e.ResolvedAt),
		CancelledAt:        stampPtr(e.CancelledAt),
		CreatedAt:          stamp(e.CreatedAt),
		UpdatedAt:          stamp(e.UpdatedAt),
	}
}

type saleResponse struct {
	ID             string  `json:"id"`
	SellerID       string  `json:"sellerId"`
	BuyerID        string  `json:"buyerId"`
	ListingID      string  `json:"listingId"`
	PurchaseID     string  `json:"purchaseId"`
	Amount         string  `json:"amount"`
	Currency       string  `json:"currency"`
	CommissionRate string  `json:"commissionRate"`
	Commission     string  `json:"commission"`
	NetAmount      string  `json:"netAmount"`
	Status         string  `json:"status"`
	SoldAt         string  `json:"soldAt"`
	DeliveredAt    *string `json:"deliveredAt,omitempty"`
	DisputedAt     *string `json:"disputedAt,omitempty"`
	CompletedAt    *string `json:"completedAt,omitempty"`
	CancelledAt    *string `json:"cancelledAt,omitempty"`
	RefundedAt     *string `json:"refundedAt,omitempty"`
}

func newSaleResponse(s ledger.Sale) saleResponse {
	return saleResponse{
		ID:             s.ID,
		SellerID:       s.SellerID,
		BuyerID:        s.BuyerID,
		ListingID:      s.ListingID,
		PurchaseID:     s.PurchaseID,
		Amount:         s.Amount.String(),
		Currency:       s.Currency,
		CommissionRate: s.CommissionRate.String(),
		Commission:     s.Commission.String(),
		NetAmount:      s.NetAmount.String(),
		Status:         string(s.Status),
		SoldAt:         stamp(s.SoldAt),
		DeliveredAt:    stampPtr(s.DeliveredAt),
		DisputedAt:     stampPtr(s.DisputedAt),
		CompletedAt:    stampPtr(s.CompletedAt),
		CancelledAt:    stampPtr(s.CancelledAt),
		RefundedAt:     stampPtr(s.RefundedAt),
	}
}

type totalsResponse struct {
	Completed  int    `json:"completed"`
	Gross      string `json:"gross"`
	Commission string `json:"commission"`
	Net        string `json:"net"`
	PendingNet string `json:"pendingNet"`
}

type summaryResponse struct {
	SellerID string                    `json:"sellerId"`
	Totals   map[string]totalsResponse `json:"totals"`
}

func newSummaryResponse(s sale.Summary) summaryResponse {
	out := summaryResponse{SellerID: s.SellerID, Totals: make(map[string]totalsResponse, len(s.Totals))}
	for _, cur := range s.Currencies {
		t := s.Totals[cur]
		out.Totals[cur] = totalsResponse{
			Completed:  t.Completed,
			Gross:      t.Gross.String(),
			Commission: t.Commission.String(),
			Net:        t.Net.String(),
			PendingNet: t.PendingNet.String(),
		}
	}
	return out
}

type disputeResponse struct {
	ID           string   `json:"id"`
	PurchaseID   string   `json:"purchaseId"`
	EscrowID     string   `json:"escrowId"`
	InitiatorID  string   `json:"initiatorId"`
	RespondentID string   `json:"respondentId"`
	Reason       string   `json:"reason"`
	Description  string   `json:"description,omitempty"`
	Evidence     []string `json:"evidence"`
	Status       string   `json:"status"`
	Priority     string   `json:"priority"`
	AdminID      *string  `json:"adminId,omitempty"`
	Resolution   *string  `json:"resolution,omitempty"`
	FavoredParty string   `json:"favoredParty,omitempty"`
	CloseReason  string   `json:"closeReason,omitempty"`
	CreatedAt    string   `json:"createdAt"`
	ReviewedAt   *string  `json:"reviewedAt,omitempty"`
	ResolvedAt   *string  `json:"resolvedAt,omitempty"`
	ClosedAt     *string  `json:"closedAt,omitempty"`
	EscalatedAt  *string  `json:"escalatedAt,omitempty"`
	UpdatedAt    string   `json:"updatedAt"`
}

func newDisputeResponse(d ledger.Dispute) disputeResponse {
	evidence := d.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return disputeResponse{
		ID:           d.ID,
		PurchaseID:   d.PurchaseID,
		EscrowID:     d.EscrowID,
		InitiatorID:  d.InitiatorID,
		RespondentID: d.RespondentID,
		Reason:       d.Reason,
		Description:  d.Description,
		Evidence:     evidence,
		Status:       string(d.Status),
		Priority:     string(d.Priority),
		AdminID:      d.AdminID,
		Resolution:   d.Resolution,
		FavoredParty: string(d.FavoredParty),
		CloseReason:  d.CloseReason,
		CreatedAt:    stamp(d.CreatedAt),
		ReviewedAt:   stampPtr(d.ReviewedAt),
		ResolvedAt:   stampPtr(d.ResolvedAt),
		ClosedAt:     stampPtr(d.ClosedAt),
		EscalatedAt:  stampPtr(d.EscalatedAt),
		UpdatedAt:    stamp(d.UpdatedAt),
	}
}

type reportResponse struct {
	ID                string   `json:"id"`
	ReporterID        string   `json:"reporterId"`
	ReportedUserID    *string  `json:"reportedUserId,omitempty"`
	ReportedListingID *string  `json:"reportedListingId,omitempty"`
	Reason            string   `json:"reason"`
	Description       string   `json:"description,omitempty"`
	Evidence          []string `json:"evidence"`
	Status            string   `json:"status"`
	AdminID           *string  `json:"adminId,omitempty"`
	Resolution        *string  `json:"resolution,omitempty"`
	ActionTaken       *string  `json:"actionTaken,omitempty"`
	CreatedAt         string   `json:"createdAt"`
	ReviewedAt        *string  `json:"reviewedAt,omitempty"`
	ResolvedAt        *string  `json:"resolvedAt,omitempty"`
	DismissedAt       *string  `json:"dismissedAt,omitempty"`
	UpdatedAt         string   `json:"updatedAt"`
}

func newReportResponse(r ledger.Report) reportResponse {
	evidence := r.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return reportResponse{
		ID:                r.ID,
		ReporterID:        r.ReporterID,
		ReportedUserID:    r.ReportedUserID,
		ReportedListingID: r.ReportedListingID,
		Reason:            r.Reason,
		Description:       r.Description,
		Evidence:          evidence,
		Status:            string(r.Status),
		AdminID:           r.AdminID,
		Resolution:        r.Resolution,
		ActionTaken:       r.ActionTaken,
		CreatedAt:         stamp(r.CreatedAt),
		ReviewedAt:        stampPtr(r.ReviewedAt),
		ResolvedAt:        stampPtr(r.ResolvedAt),
		DismissedAt:       stampPtr(r.DismissedAt),
		UpdatedAt:         stamp(r.UpdatedAt),
	}
}

type reportCountResponse struct {
	TargetID string `json:"targetId"`
	Count    int    `json:"count"`
}
