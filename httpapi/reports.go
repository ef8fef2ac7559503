package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"accountmarket/ledger"
	"accountmarket/report"
)

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		ReportedUserID    string   `json:"reportedUserId"`
		ReportedListingID string   `json:"reportedListingId"`
		Reason            string   `json:"reason"`
		Description       string   `json:"description"`
		Evidence          []string `json:"evidence"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.reports.Create(r.Context(), actor, report.CreateRequest{
		ReportedUserID:    req.ReportedUserID,
		ReportedListingID: req.ReportedListingID,
		Reason:            req.Reason,
		Description:       req.Description,
		Evidence:          req.Evidence,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReportResponse(rep))
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.reports.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportResponse(rep))
}

func reportQuery(r *http.Request) (ledger.ReportQuery, error) {
	page, err := pageRequest(r)
	if err != nil {
		return ledger.ReportQuery{}, err
	}
	unassigned, err := queryBool(r, "unassigned")
	if err != nil {
		return ledger.ReportQuery{}, err
	}
	q := r.URL.Query()
	return ledger.ReportQuery{
		PageRequest: page,
		AdminID:     q.Get("adminId"),
		Unassigned:  unassigned,
		Status:      ledger.ReportStatus(q.Get("status")),
		Target:      ledger.ReportTarget(q.Get("target")),
	}, nil
}

func (s *Server) handleUserReports(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := reportQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.reports.UserReports(r.Context(), actor, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPage(out, newReportResponse))
}

func (s *Server) handleAdminReports(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := reportQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.reports.AdminReports(r.Context(), actor, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPage(out, newReportResponse))
}

func (s *Server) handleFrequentlyReported(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	minReports, err := queryInt(r, "min")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	target := ledger.ReportTarget(q.Get("target"))
	if target == "" {
		target = ledger.TargetUser
	}
	counts, err := s.reports.FrequentlyReported(r.Context(), actor, target, report.Window(q.Get("window")), minReports, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]reportCountResponse, 0, len(counts))
	for _, c := range counts {
		items = append(items, reportCountResponse{TargetID: c.TargetID, Count: c.Count})
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target, "items": items})
}

func (s *Server) handleAssignReport(w http.ResponseWriter, r *http.Request) {
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
	rep, err := s.reports.AssignToAdmin(r.Context(), actor, chi.URLParam(r, "id"), req.AdminID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportResponse(rep))
}

func (s *Server) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Resolution  string `json:"resolution"`
		ActionTaken string `json:"actionTaken"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.reports.Resolve(r.Context(), actor, chi.URLParam(r, "id"), req.Resolution, req.ActionTaken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportResponse(rep))
}

func (s *Server) handleDismissReport(w http.ResponseWriter, r *http.Request) {
	actor, err := ActorFrom(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.reports.Dismiss(r.Context(), actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportResponse(rep))
}
