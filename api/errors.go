package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/scrumlive/ceremony"
)

const maxSmallBodySize = 64 << 10

// Error codes carried by HTTP error bodies and WebSocket error frames.
const (
	codeNotFound       = "not_found"
	codeInvalidPhase   = "invalid_phase"
	codePhaseMismatch  = "phase_mismatch"
	codeSessionClosed  = "session_closed"
	codeAlreadyClaimed = "already_claimed"
	codeInvalidVote    = "invalid_vote_value"
	codeValidation     = "validation_failed"
	codeRateLimited    = "rate_limited"
	codeUnauthorized   = "unauthorized"
	codeInternal       = "internal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// classify maps a ceremony error to its HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ceremony.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, ceremony.ErrInvalidPhase):
		return http.StatusBadRequest, codeInvalidPhase
	case errors.Is(err, ceremony.ErrPhaseMismatch):
		return http.StatusBadRequest, codePhaseMismatch
	case errors.Is(err, ceremony.ErrInvalidVoteValue):
		return http.StatusBadRequest, codeInvalidVote
	case errors.Is(err, ceremony.ErrValidationFailed):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, ceremony.ErrSessionClosed):
		return http.StatusForbidden, codeSessionClosed
	case errors.Is(err, ceremony.ErrAlreadyClaimed):
		return http.StatusConflict, codeAlreadyClaimed
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func mapError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

// decodeJSON reads a JSON body of at most limit bytes into a T. On failure it
// writes a 400 and reports false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, codeValidation, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return v, false
	}
	return v, true
}
