package httpapi

import (
	"errors"
	"net/http"

	"accountmarket/auth"
)

// handleLogin exchanges operator credentials for an admin token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeProblem(w, http.StatusNotFound, "not_found", "login disabled")
		return
	}
	var req struct {
		OperatorID string `json:"operatorId"`
		Password   string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, actor, err := s.auth.Login(req.OperatorID, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeProblem(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"id":    actor.ID,
		"role":  string(actor.Role),
	})
}
