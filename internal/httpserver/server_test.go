package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/snapdraft/backend/internal/actions"
	"github.com/snapdraft/backend/internal/config"
	"github.com/snapdraft/backend/internal/models"
	"github.com/snapdraft/backend/internal/stripe"
)

type stubStores struct{}

func (s *stubStores) GetUserByToken(ctx context.Context, token string) (*models.User, error) {
	if token == "valid-token" {
		return &models.User{ID: 1, Email: "user@example.com"}, nil
	}
	return nil, nil
}

func (s *stubStores) AdmitEvent(ctx context.Context, eventID, appID, eventType string) (bool, error) {
	return true, nil
}

func (s *stubStores) ReleaseEvent(ctx context.Context, eventID string) error {
	return nil
}

type stubApplier struct{}

func (s *stubApplier) Apply(ctx context.Context, event *stripe.Event) error { return nil }

type stubRunner struct{}

func (s *stubRunner) Generate(ctx context.Context, req actions.GenerateRequest) (*actions.GenerateResponse, error) {
	return &actions.GenerateResponse{Result: &models.GenerationResult{Posts: []string{"p"}}}, nil
}

func (s *stubRunner) Refine(ctx context.Context, req actions.RefineRequest) (*actions.RefineResponse, error) {
	return &actions.RefineResponse{Content: "p"}, nil
}

type stubGate struct{}

func (s *stubGate) ResolveEntitlement(ctx context.Context, userID int64) (*models.Entitlement, error) {
	return &models.Entitlement{AppID: "snapdraft", UserID: userID, Plan: models.PlanFree, Status: models.StatusInactive}, nil
}

func (s *stubGate) Usage(ctx context.Context, ent *models.Entitlement) (int, int, error) {
	return 0, 5, nil
}

func (s *stubGate) EligibleForTrial(ctx context.Context, ent *models.Entitlement, userID int64) (bool, error) {
	return true, nil
}

func newTestServer() *Server {
	cfg := config.Config{ServerAddress: ":0", AppID: "snapdraft", StripeWebhookSecret: "whsec_test"}
	stores := Stores{Users: &stubStores{}, Events: &stubStores{}}
	return New(cfg, stores, &stubApplier{}, &stubRunner{}, &stubGate{}, nil)
}

func TestHealthRoute(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer()

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/generate"},
		{http.MethodPost, "/api/refine"},
		{http.MethodGet, "/api/me/plan"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401 got %d", route.method, route.path, rr.Code)
		}
	}
}

func TestPlanRouteWithToken(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/me/plan", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}
