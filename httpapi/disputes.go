package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"accountmarket/dispute"
	"accountmarket/ledger"
)

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		PurchaseID   string                 `json:"purchaseId"`
		RespondentID string                 `json:"respondentId"`
		Reason       string                 `json:"reason"`
		Description  string                 `json:"description"`
		Evidence     []string               `json:"evidence"`
		Priority     ledger.DisputePriority `json:"priority"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.disputes.Create(r.Context(), actor, dispute.CreateRequest{
		PurchaseID:   req.PurchaseID,
		RespondentID: req.RespondentID,
		Reason:       req.Reason,
		Description:  req.Description,
		Evidence:     req.Evidence,
		Priority:     req.Priority,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.disputes.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func disputeQuery(r *http.Request) (ledger.DisputeQuery, error) {
	page, err := pageRequest(r)
	if err != nil {
		return ledger.DisputeQuery{}, err
	}
	unassigned, err := queryBool(r, "unassigned")
	if err != nil {
		return ledger.DisputeQuery{}, err
	}
	q := r.URL.Query()
	out := ledger.DisputeQuery{
		PageRequest: page,
		AdminID:     q.Get("adminId"),
		Unassigned:  unassigned,
		PurchaseID:  q.Get("purchaseId"),
		Priority:    ledger.DisputePriority(q.Get("priority")),
	}
	for _, st := range q["status"] {
		out.Statuses = append(out.Statuses, ledger.DisputeStatus(st))
	}
	return out, nil
}

func (s *Server) handleUserDisputes(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := disputeQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.disputes.UserDisputes(r.Context(), actor, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPage(out, newDisputeResponse))
}

func (s *Server) handleAdminDisputes(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := disputeQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.disputes.AdminDisputes(r.Context(), actor, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPage(out, newDisputeResponse))
}

func (s *Server) handleOverdueDisputes(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var after time.Duration
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err = time.ParseDuration(raw)
		if err != nil {
			s.writeError(w, r, ledger.Invalid("after must be a duration such as 48h"))
			return
		}
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.disputes.Overdue(r.Context(), actor, after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(list))
	for _, d := range list {
		items = append(items, newDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleAssignDispute(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		AdminID string `json:"adminId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AdminID == "" {
		req.AdminID = actor.ID
	}
	d, err := s.disputes.AssignToAdmin(r.Context(), actor, chi.URLParam(r, "id"), req.AdminID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Resolution   string              `json:"resolution"`
		FavoredParty ledger.FavoredParty `json:"favoredParty"`
		Disposition  ledger.Disposition  `json:"disposition"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.disputes.Resolve(r.Context(), actor, chi.URLParam(r, "id"), dispute.Verdict{
		Resolution:   req.Resolution,
		FavoredParty: req.FavoredParty,
		Disposition:  req.Disposition,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleCloseDispute(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Reason      string             `json:"reason"`
		Disposition ledger.Disposition `json:"disposition"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.disputes.Close(r.Context(), actor, chi.URLParam(r, "id"), dispute.CloseRequest{
		Reason:      req.Reason,
		Disposition: req.Disposition,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleEscalateDispute(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Priority ledger.DisputePriority `json:"priority"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.disputes.Escalate(r.Context(), actor, chi.URLParam(r, "id"), req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}
