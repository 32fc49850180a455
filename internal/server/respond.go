package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/garnizeh/spine/internal/jobs"
)

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the machine-readable error body {"error": code}.
func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeManagerError maps the state-machine error taxonomy onto HTTP
// status codes and discriminators. Unknown errors are internal: logged
// by the caller, no details in the body.
func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, jobs.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, jobs.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner")
	case errors.Is(err, jobs.ErrLocked):
		writeError(w, http.StatusConflict, "locked")
	case errors.Is(err, jobs.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, "already_claimed")
	case errors.Is(err, jobs.ErrTerminalStatus):
		writeError(w, http.StatusConflict, "terminal_status")
	case errors.Is(err, jobs.ErrNotRunning):
		writeError(w, http.StatusConflict, "not_running")
	case errors.Is(err, jobs.ErrMaxAttempts):
		writeError(w, http.StatusConflict, "max_attempts_reached")
	case errors.Is(err, jobs.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, "invalid_target")
	default:
		s.log.Error("internal error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}
