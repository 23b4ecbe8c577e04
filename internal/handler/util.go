package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chatlift/handoff-engine/internal/service"
	"github.com/chatlift/handoff-engine/internal/store"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeDomainError maps engine errors onto the API's error taxonomy. An
// accept-race loss carries the winner's identity so the losing console can
// redirect instead of showing an opaque failure.
func writeDomainError(w http.ResponseWriter, err error) {
	var accepted *service.AlreadyAcceptedError
	switch {
	case errors.As(err, &accepted):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":    "already_accepted",
			"agent_id": accepted.AgentID,
		})
	case errors.Is(err, service.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "invalid_transition",
		})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		// Anything else reaching a handler is a failed store or broker
		// operation; the state machine itself never produces unknown errors.
		// 503 tells clients to retry rather than treat it as a bug.
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry")
	}
}
