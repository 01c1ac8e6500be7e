package actions

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/snapdraft/backend/internal/generation"
	"github.com/snapdraft/backend/internal/models"
	"github.com/snapdraft/backend/internal/quota"
)

// compensationTimeout bounds the compensating delete issued after a failed
// action. It runs on a fresh context so a client abort cannot strand the
// reservation.
const compensationTimeout = 5 * time.Second

// Store is the persistence surface the orchestrator commits through.
type Store interface {
	SaveUsageRecord(ctx context.Context, rec *models.UsageRecord) error
	DeleteUsageEvent(ctx context.Context, id string) error
	EnqueueCompensation(ctx context.Context, usageEventID, lastError string) error
}

// Gate resolves entitlements and admits paid actions.
type Gate interface {
	ResolveEntitlement(ctx context.Context, userID int64) (*models.Entitlement, error)
	Reserve(ctx context.Context, ent *models.Entitlement, runType models.RunType) (*quota.Reservation, error)
}

// Orchestrator sequences a paid action: resolve entitlement, reserve quota,
// call the generation collaborator, persist the output, respond. Any
// failure after the reservation triggers a compensating delete; a failed
// delete is queued for the retry worker.
type Orchestrator struct {
	store     Store
	gate      Gate
	generator generation.Generator
}

// New creates an Orchestrator.
func New(store Store, gate Gate, generator generation.Generator) *Orchestrator {
	return &Orchestrator{store: store, gate: gate, generator: generator}
}

// GenerateRequest is a content-generation action. PresetID is an opaque
// client reference stored alongside the history row; RunType can force the
// multi-gen weight but never lowers it.
type GenerateRequest struct {
	UserID      int64
	Profile     models.StoreProfile
	Config      models.GenerationConfig
	PresetID    string
	RunType     models.RunType
	SaveHistory bool
}

// GenerateResponse carries the output plus remaining-quota hints.
type GenerateResponse struct {
	Result    *models.GenerationResult
	RunID     string
	Limit     int
	Current   int
	Remaining int
}

// Generate runs the generation saga. Quota and access failures pass through
// as quota.ErrAccessDenied / *quota.RejectedError for the handler to map.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	ent, err := o.gate.ResolveEntitlement(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	runType := models.RunGeneration
	if req.Config.TargetCount() > 1 || req.RunType == models.RunMultiGen {
		runType = models.RunMultiGen
	}

	reservation, err := o.gate.Reserve(ctx, ent, runType)
	if err != nil {
		return nil, err
	}

	result, err := o.generator.Generate(ctx, req.Profile, req.Config)
	if err != nil {
		o.compensate(reservation.UsageEventID, err)
		return nil, fmt.Errorf("actions: generation failed: %w", err)
	}

	if req.SaveHistory {
		input := models.JSONB{"profile": req.Profile, "config": req.Config}
		if req.PresetID != "" {
			input["preset_id"] = req.PresetID
		}
		record := &models.UsageRecord{
			RunID:  reservation.UsageEventID,
			AppID:  ent.AppID,
			UserID: ent.UserID,
			Input:  input,
			Output: models.JSONB{"analysis": result.Analysis, "posts": result.Posts},
		}
		if err := o.store.SaveUsageRecord(ctx, record); err != nil {
			o.compensate(reservation.UsageEventID, err)
			return nil, fmt.Errorf("actions: persist generation output: %w", err)
		}
	}

	return &GenerateResponse{
		Result:    result,
		RunID:     reservation.UsageEventID,
		Limit:     reservation.Limit,
		Current:   reservation.Current,
		Remaining: reservation.Remaining,
	}, nil
}

// RefineRequest is a content-refinement action.
type RefineRequest struct {
	UserID         int64
	CurrentContent string
	Instruction    string
}

// RefineResponse carries the revised text plus remaining-quota hints.
type RefineResponse struct {
	Content   string
	RunID     string
	Limit     int
	Current   int
	Remaining int
}

// Refine runs the refinement saga. Refined output is not persisted to
// history, so the commit step is the reservation itself.
func (o *Orchestrator) Refine(ctx context.Context, req RefineRequest) (*RefineResponse, error) {
	ent, err := o.gate.ResolveEntitlement(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	reservation, err := o.gate.Reserve(ctx, ent, models.RunRefine)
	if err != nil {
		return nil, err
	}

	content, err := o.generator.Refine(ctx, req.CurrentContent, req.Instruction)
	if err != nil {
		o.compensate(reservation.UsageEventID, err)
		return nil, fmt.Errorf("actions: refinement failed: %w", err)
	}

	return &RefineResponse{
		Content:   content,
		RunID:     reservation.UsageEventID,
		Limit:     reservation.Limit,
		Current:   reservation.Current,
		Remaining: reservation.Remaining,
	}, nil
}

// compensate deletes the reservation so the failed action does not consume
// quota. When the delete itself fails the reservation id is queued for the
// worker; an orphaned reservation is a data-quality issue, never a
// request-blocking one.
func (o *Orchestrator) compensate(usageEventID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()

	if err := o.store.DeleteUsageEvent(ctx, usageEventID); err != nil {
		log.Printf("[actions] compensating delete failed for %s (cause: %v): %v", usageEventID, cause, err)
		if qErr := o.store.EnqueueCompensation(ctx, usageEventID, err.Error()); qErr != nil {
			log.Printf("[actions] failed to queue compensation for %s: %v", usageEventID, qErr)
		}
	}
}
