package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"accountmarket/escrow"
	"accountmarket/ledger"
)

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	esc, err := s.escrow.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}

func (s *Server) handleFundEscrow(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		PaymentID     string `json:"paymentId"`
		PaymentMethod string `json:"paymentMethod"`
		PaymentProof  string `json:"paymentProof"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	esc, err := s.escrow.Fund(r.Context(), actor, chi.URLParam(r, "id"), escrow.FundRequest{
		PaymentID:     req.PaymentID,
		PaymentMethod: req.PaymentMethod,
		PaymentProof:  req.PaymentProof,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}

func (s *Server) handleEscrowDeliver(w http.ResponseWriter, r *http.Request) {
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
	esc, err := s.escrow.MarkDelivered(r.Context(), actor, chi.URLParam(r, "id"), []byte(req.Proof), req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}

func (s *Server) handleEscrowConfirm(w http.ResponseWriter, r *http.Request) {
	s.escrowTransition(w, r, s.escrow.ConfirmDelivery, func(b notesRequest) string { return b.Notes })
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request) {
	s.escrowTransition(w, r, s.escrow.InitiateDispute, func(b notesRequest) string { return b.Reason })
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	s.escrowTransition(w, r, s.escrow.Release, func(b notesRequest) string { return b.Notes })
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request) {
	s.escrowTransition(w, r, s.escrow.Cancel, func(b notesRequest) string { return b.Reason })
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Disposition ledger.Disposition `json:"disposition"`
		Notes       string             `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	esc, err := s.escrow.ResolveDispute(r.Context(), actor, chi.URLParam(r, "id"), req.Disposition, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}

// handleRevealDelivery returns the unsealed credentials to the buyer.
func (s *Server) handleRevealDelivery(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	proof, err := s.escrow.RevealDelivery(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"proof": string(proof)})
}

type escrowOp func(ctx context.Context, actor ledger.Actor, escrowID, text string) (ledger.Escrow, error)

func (s *Server) escrowTransition(w http.ResponseWriter, r *http.Request, op escrowOp, pick func(notesRequest) string) {
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
	esc, err := op(r.Context(), actor, chi.URLParam(r, "id"), pick(req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(esc))
}
