package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snapdraft/backend/internal/actions"
	"github.com/snapdraft/backend/internal/middleware"
	"github.com/snapdraft/backend/internal/models"
	"github.com/snapdraft/backend/internal/quota"
)

type fakeRunner struct {
	generateResp *actions.GenerateResponse
	refineResp   *actions.RefineResponse
	err          error
}

func (f *fakeRunner) Generate(_ context.Context, _ actions.GenerateRequest) (*actions.GenerateResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.generateResp, nil
}

func (f *fakeRunner) Refine(_ context.Context, _ actions.RefineRequest) (*actions.RefineResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.refineResp, nil
}

func authedRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	user := &models.User{ID: 42, Email: "owner@example.com"}
	return req.WithContext(middleware.WithUser(req.Context(), user))
}

func TestGenerateRequiresAuth(t *testing.T) {
	handler := Generate(&fakeRunner{})
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGenerateSuccessResponseShape(t *testing.T) {
	runner := &fakeRunner{generateResp: &actions.GenerateResponse{
		Result:    &models.GenerationResult{Analysis: "seasonal angle", Posts: []string{"post one"}},
		RunID:     "run-1",
		Limit:     5,
		Current:   1,
		Remaining: 4,
	}}
	handler := Generate(runner)

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(http.MethodPost, "/api/generate", `{"profile":{"name":"Cafe Hana"},"config":{"platform":"instagram"}}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["run_id"] != "run-1" {
		t.Fatalf("unexpected run_id: %v", body["run_id"])
	}
	if body["remaining"] != float64(4) {
		t.Fatalf("unexpected remaining: %v", body["remaining"])
	}
	if body["analysis"] != "seasonal angle" {
		t.Fatalf("unexpected analysis: %v", body["analysis"])
	}
}

func TestGenerateQuotaRejectionPayload(t *testing.T) {
	runner := &fakeRunner{err: &quota.RejectedError{Reason: quota.ReasonDailyLimit, Limit: 5, Current: 5}}
	handler := Generate(runner)

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(http.MethodPost, "/api/generate", `{"config":{"platform":"x"}}`))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != quota.ReasonDailyLimit {
		t.Fatalf("unexpected error code: %v", body["error"])
	}
	if body["limit"] != float64(5) || body["current"] != float64(5) {
		t.Fatalf("unexpected limit/current: %v", body)
	}
}

func TestGenerateAccessDenied(t *testing.T) {
	runner := &fakeRunner{err: quota.ErrAccessDenied}
	handler := Generate(runner)

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(http.MethodPost, "/api/generate", `{"config":{"platform":"x"}}`))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "access_denied" {
		t.Fatalf("unexpected error code: %v", body["error"])
	}
}

func TestGenerateInternalFailureIsGeneric(t *testing.T) {
	runner := &fakeRunner{err: errors.New("pq: connection refused")}
	handler := Generate(runner)

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(http.MethodPost, "/api/generate", `{"config":{"platform":"x"}}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "generation failed" {
		t.Fatalf("internal details must not leak, got %v", body["error"])
	}
}

func TestGenerateRejectsMissingPlatform(t *testing.T) {
	handler := Generate(&fakeRunner{})

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(http.MethodPost, "/api/generate", `{"profile":{"name":"x"},"config":{}}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRefineSuccess(t *testing.T) {
	runner := &fakeRunner{refineResp: &actions.RefineResponse{
		Content:   "tightened post",
		RunID:     "run-2",
		Remaining: 3,
	}}
	handler := Refine(runner)

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(http.MethodPost, "/api/refine", `{"currentContent":"long post","instruction":"shorten"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["result"] != "tightened post" {
		t.Fatalf("unexpected result: %v", body["result"])
	}
}

func TestRefineRequiresContent(t *testing.T) {
	handler := Refine(&fakeRunner{})

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(http.MethodPost, "/api/refine", `{"instruction":"shorten"}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type fakePlanGate struct {
	ent      *models.Entitlement
	current  int
	limit    int
	eligible bool
}

func (f *fakePlanGate) ResolveEntitlement(_ context.Context, _ int64) (*models.Entitlement, error) {
	return f.ent, nil
}

func (f *fakePlanGate) Usage(_ context.Context, _ *models.Entitlement) (int, int, error) {
	return f.current, f.limit, nil
}

func (f *fakePlanGate) EligibleForTrial(_ context.Context, _ *models.Entitlement, _ int64) (bool, error) {
	return f.eligible, nil
}

func TestPlanResponseShape(t *testing.T) {
	trialEnds := time.Now().Add(3 * 24 * time.Hour)
	gate := &fakePlanGate{
		ent: &models.Entitlement{
			AppID:       "snapdraft",
			UserID:      42,
			Plan:        models.PlanTrial,
			Status:      models.StatusActive,
			TrialEndsAt: &trialEnds,
		},
		current: 2,
		limit:   5,
	}
	handler := Plan(gate)

	rec := httptest.NewRecorder()
	handler(rec, authedRequest(http.MethodGet, "/api/me/plan", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["plan"] != "trial" || body["status"] != "active" {
		t.Fatalf("unexpected plan/status: %v", body)
	}
	if body["canUseApp"] != true {
		t.Fatal("live trial must be usable")
	}
	if body["isPro"] != false {
		t.Fatal("trial is not a paid tier")
	}
	if body["usage"] != float64(2) || body["limit"] != float64(5) {
		t.Fatalf("unexpected usage/limit: %v", body)
	}
	if body["eligibleForTrial"] != false {
		t.Fatalf("unexpected eligibility: %v", body["eligibleForTrial"])
	}
}
