package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/snapdraft/backend/internal/actions"
	"github.com/snapdraft/backend/internal/middleware"
	"github.com/snapdraft/backend/internal/models"
)

// ActionRunner is the orchestrator surface driven by the paid-action
// endpoints.
type ActionRunner interface {
	Generate(ctx context.Context, req actions.GenerateRequest) (*actions.GenerateResponse, error)
	Refine(ctx context.Context, req actions.RefineRequest) (*actions.RefineResponse, error)
}

type generatePayload struct {
	Profile     models.StoreProfile     `json:"profile"`
	Config      models.GenerationConfig `json:"config"`
	PresetID    string                  `json:"presetId,omitempty"`
	RunType     string                  `json:"run_type,omitempty"`
	SaveHistory *bool                   `json:"save_history,omitempty"`
}

// Generate runs a content generation for the authenticated user.
func Generate(orchestrator ActionRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := middleware.UserFromContext(r.Context())
		if user == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"ok": false, "error": "unauthorized"})
			return
		}

		var payload generatePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid JSON payload"})
			return
		}
		if payload.Config.Platform == "" && len(payload.Config.Platforms) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "platform is required"})
			return
		}

		saveHistory := true
		if payload.SaveHistory != nil {
			saveHistory = *payload.SaveHistory
		}

		resp, err := orchestrator.Generate(r.Context(), actions.GenerateRequest{
			UserID:      user.ID,
			Profile:     payload.Profile,
			Config:      payload.Config,
			PresetID:    payload.PresetID,
			RunType:     models.RunType(payload.RunType),
			SaveHistory: saveHistory,
		})
		if err != nil {
			writeActionError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":        true,
			"result":    resp.Result.Posts,
			"analysis":  resp.Result.Analysis,
			"run_id":    resp.RunID,
			"remaining": resp.Remaining,
		})
	}
}

type refinePayload struct {
	CurrentContent string `json:"currentContent"`
	Instruction    string `json:"instruction"`
}

// Refine rewrites existing content for the authenticated user.
func Refine(orchestrator ActionRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := middleware.UserFromContext(r.Context())
		if user == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"ok": false, "error": "unauthorized"})
			return
		}

		var payload refinePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid JSON payload"})
			return
		}
		if strings.TrimSpace(payload.CurrentContent) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "currentContent is required"})
			return
		}

		resp, err := orchestrator.Refine(r.Context(), actions.RefineRequest{
			UserID:         user.ID,
			CurrentContent: payload.CurrentContent,
			Instruction:    payload.Instruction,
		})
		if err != nil {
			writeActionError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":        true,
			"result":    resp.Content,
			"run_id":    resp.RunID,
			"remaining": resp.Remaining,
		})
	}
}
