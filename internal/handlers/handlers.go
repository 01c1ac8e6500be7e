// Package handlers contains the HTTP endpoints: the Stripe webhook, the
// paid-action endpoints, the plan check, and health.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/snapdraft/backend/internal/quota"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[handlers] failed to encode response: %v", err)
	}
}

// writeActionError maps the orchestrator's error taxonomy onto the response
// contract: access denial and quota rejection get stable machine-readable
// codes; everything else collapses to a generic failure.
func writeActionError(w http.ResponseWriter, err error) {
	if errors.Is(err, quota.ErrAccessDenied) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"ok":    false,
			"error": "access_denied",
		})
		return
	}

	var rejected *quota.RejectedError
	if errors.As(err, &rejected) {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"ok":      false,
			"error":   rejected.Reason,
			"limit":   rejected.Limit,
			"current": rejected.Current,
		})
		return
	}

	log.Printf("[handlers] action failed: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"ok":    false,
		"error": "generation failed",
	})
}
