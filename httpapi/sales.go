package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"accountmarket/ledger"
)

func (s *Server) handleGetSale(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sl, err := s.sales.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sl))
}

func (s *Server) handleListSales(w http.ResponseWriter, r *http.Request) {
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
	sellerID := r.URL.Query().Get("sellerId")
	if sellerID == "" {
		sellerID = actor.ID
	}
	out, err := s.sales.SellerSales(r.Context(), actor, ledger.SaleQuery{
		PageRequest: page,
		SellerID:    sellerID,
		Status:      ledger.SaleStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPage(out, newSaleResponse))
}

func (s *Server) handleSellerSummary(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sum, err := s.sales.Summary(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSummaryResponse(sum))
}
