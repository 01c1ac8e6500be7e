package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/snapdraft/backend/internal/middleware"
	"github.com/snapdraft/backend/internal/models"
)

// PlanGate is the quota-gate surface the plan endpoint reads from.
type PlanGate interface {
	ResolveEntitlement(ctx context.Context, userID int64) (*models.Entitlement, error)
	Usage(ctx context.Context, ent *models.Entitlement) (current, limit int, err error)
	EligibleForTrial(ctx context.Context, ent *models.Entitlement, userID int64) (bool, error)
}

// Plan reports the caller's entitlement, access predicate, and current
// window usage. First access provisions the entitlement lazily.
func Plan(gate PlanGate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := middleware.UserFromContext(r.Context())
		if user == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"ok": false, "error": "unauthorized"})
			return
		}

		ent, err := gate.ResolveEntitlement(r.Context(), user.ID)
		if err != nil {
			log.Printf("[plan] resolve entitlement failed for user %d: %v", user.ID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "internal error"})
			return
		}

		current, limit, err := gate.Usage(r.Context(), ent)
		if err != nil {
			log.Printf("[plan] usage lookup failed for user %d: %v", user.ID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "internal error"})
			return
		}

		eligible, err := gate.EligibleForTrial(r.Context(), ent, user.ID)
		if err != nil {
			log.Printf("[plan] trial eligibility lookup failed for user %d: %v", user.ID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "internal error"})
			return
		}

		now := time.Now()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":               true,
			"app_id":           ent.AppID,
			"plan":             ent.Plan,
			"status":           ent.Status,
			"expires_at":       ent.ExpiresAt,
			"trial_ends_at":    ent.TrialEndsAt,
			"canUseApp":        ent.CanUseApp(now),
			"isPro":            ent.Plan.IsPaid(),
			"eligibleForTrial": eligible,
			"usage":            current,
			"limit":            limit,
		})
	}
}
