package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"accountmarket/ledger"
	"accountmarket/purchase"
	"accountmarket/workflow"
)

type transitionResponse struct {
	Purchase purchaseResponse `json:"purchase"`
	Escrow   escrowResponse   `json:"escrow"`
	Sale     *saleResponse    `json:"sale,omitempty"`
}

func newTransitionResponse(res workflow.Result) transitionResponse {
	out := transitionResponse{
		Purchase: newPurchaseResponse(res.Purchase),
		Escrow:   newEscrowResponse(res.Escrow),
	}
	if res.Sale != nil {
		s := newSaleResponse(*res.Sale)
		out.Sale = &s
	}
	return out
}

// notesRequest is the body shared by transitions that carry free text.
type notesRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (s *Server) handleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		ListingID     string          `json:"listingId"`
		Amount        decimal.Decimal `json:"amount"`
		Currency      string          `json:"currency"`
		PaymentMethod string          `json:"paymentMethod"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.purchases.CreatePurchase(r.Context(), actor, purchase.CreateRequest{
		ListingID:     req.ListingID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, transitionResponse{
		Purchase: newPurchaseResponse(out.Purchase),
		Escrow:   newEscrowResponse(out.Escrow),
	})
}

// handleListPurchases serves ?as=buyer|seller&userId=...; userId defaults to
// the caller.
func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := pageRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		userID = actor.ID
	}
	status := ledger.PurchaseStatus(q.Get("status"))

	var out ledger.Page[ledger.Purchase]
	switch q.Get("as") {
	case "", "buyer":
		out, err = s.purchases.BuyerPurchases(r.Context(), actor, userID, status, page)
	case "seller":
		out, err = s.purchases.SellerPurchases(r.Context(), actor, userID, status, page)
	default:
		err = ledger.Invalid("as must be buyer or seller")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPage(out, newPurchaseResponse))
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.purchases.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPurchaseResponse(p))
}

func (s *Server) handlePurchaseEscrow(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	esc, err := s.escrow.ByPurchase(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}

func (s *Server) handlePurchaseSale(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sl, err := s.sales.ForPurchase(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sl))
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		PaymentID string `json:"paymentId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.purchases.MarkPaid(r.Context(), actor, chi.URLParam(r, "id"), req.PaymentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransitionResponse(res))
}

type deliverRequest struct {
	// Proof is the account credential handed to the buyer.
	Proof string `json:"proof"`
	Notes string `json:"notes"`
}

func (s *Server) handlePurchaseDeliver(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req deliverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	esc, err := s.purchases.MarkDelivered(r.Context(), actor, chi.URLParam(r, "id"), []byte(req.Proof), req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}

func (s *Server) handlePurchaseConfirm(w http.ResponseWriter, r *http.Request) {
	s.purchaseTransition(w, r, s.purchases.ConfirmDelivery, func(b notesRequest) string { return b.Notes })
}

func (s *Server) handleMarkCompleted(w http.ResponseWriter, r *http.Request) {
	s.purchaseTransition(w, r, s.purchases.MarkCompleted, func(b notesRequest) string { return b.Notes })
}

func (s *Server) handleMarkCancelled(w http.ResponseWriter, r *http.Request) {
	s.purchaseTransition(w, r, s.purchases.MarkCancelled, func(b notesRequest) string { return b.Reason })
}

func (s *Server) handleMarkDisputed(w http.ResponseWriter, r *http.Request) {
	s.purchaseTransition(w, r, s.purchases.MarkDisputed, func(b notesRequest) string { return b.Reason })
}

func (s *Server) handleMarkRefunded(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req notesRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	esc, err := s.purchases.MarkRefunded(r.Context(), actor, chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}

type purchaseOp func(ctx context.Context, actor ledger.Actor, purchaseID, text string) (workflow.Result, error)

// purchaseTransition runs a lockstep transition whose only input is text
// picked from the body.
func (s *Server) purchaseTransition(w http.ResponseWriter, r *http.Request, op purchaseOp, pick func(notesRequest) string) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req notesRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := op(r.Context(), actor, chi.URLParam(r, "id"), pick(req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransitionResponse(res))
}
