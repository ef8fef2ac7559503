package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"accountmarket/ledger"
)

const maxBody = 1 << 20

type problem struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, problem{Error: msg, Code: code})
}

// statusFor maps the ledger error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errMissingActor):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrDuplicateDispute):
		return http.StatusConflict, "duplicate_dispute"
	case errors.Is(err, ledger.ErrListingUnavailable):
		return http.StatusConflict, "listing_unavailable"
	case errors.Is(err, ledger.ErrStorage):
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		} else {
			msg = "storage temporarily unavailable"
		}
	}
	writeProblem(w, status, code, msg)
}

// decode reads a JSON body into dst. An empty body leaves dst zero.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return ledger.Invalid("invalid payload: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ledger.Invalid("%s must be an integer", key)
	}
	return n, nil
}

func pageRequest(r *http.Request) (ledger.PageRequest, error) {
	page, err := queryInt(r, "page")
	if err != nil {
		return ledger.PageRequest{}, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return ledger.PageRequest{}, err
	}
	return ledger.PageRequest{Page: page, Limit: limit}, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, ledger.Invalid("%s must be a boolean", key)
	}
	return b, nil
}
