package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/snapdraft/backend/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &Store{db: db}, mock
}

func uniqueViolation() error {
	return &pq.Error{Code: "23505"}
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestAdmitEventFirstDelivery(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.MustCompile(`INSERT INTO stripe_events`)
	mock.ExpectExec(query.String()).
		WithArgs("evt_1", "snapdraft", "invoice.payment_succeeded").
		WillReturnResult(sqlmock.NewResult(0, 1))

	admitted, err := s.AdmitEvent(context.Background(), "evt_1", "snapdraft", "invoice.payment_succeeded")
	if err != nil {
		t.Fatalf("AdmitEvent returned error: %v", err)
	}
	if !admitted {
		t.Fatal("expected first delivery to be admitted")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdmitEventDuplicateDelivery(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.MustCompile(`INSERT INTO stripe_events`)
	mock.ExpectExec(query.String()).
		WithArgs("evt_1", "snapdraft", "invoice.payment_succeeded").
		WillReturnError(uniqueViolation())

	admitted, err := s.AdmitEvent(context.Background(), "evt_1", "snapdraft", "invoice.payment_succeeded")
	if err != nil {
		t.Fatalf("duplicate delivery should not be an error, got: %v", err)
	}
	if admitted {
		t.Fatal("expected duplicate delivery to be refused")
	}
}

func TestAdmitEventQueryError(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.MustCompile(`INSERT INTO stripe_events`)
	mock.ExpectExec(query.String()).
		WithArgs("evt_1", "snapdraft", "invoice.payment_succeeded").
		WillReturnError(errors.New("boom"))

	if _, err := s.AdmitEvent(context.Background(), "evt_1", "snapdraft", "invoice.payment_succeeded"); err == nil {
		t.Fatal("expected error when insert fails")
	}
}

func TestRedeemPromotionFirstRedemption(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.MustCompile(`INSERT INTO promotion_redemptions`)
	mock.ExpectExec(query.String()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	redeemed, err := s.RedeemPromotion(context.Background(), &models.PromotionRedemption{
		AppID:    "snapdraft",
		UserID:   42,
		PromoKey: models.PromoKeyIntro,
	})
	if err != nil {
		t.Fatalf("RedeemPromotion returned error: %v", err)
	}
	if !redeemed {
		t.Fatal("expected first redemption to succeed")
	}
}

func TestRedeemPromotionAlreadyRedeemed(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.MustCompile(`INSERT INTO promotion_redemptions`)
	mock.ExpectExec(query.String()).
		WillReturnError(uniqueViolation())

	redeemed, err := s.RedeemPromotion(context.Background(), &models.PromotionRedemption{
		AppID:    "snapdraft",
		UserID:   42,
		PromoKey: models.PromoKeyIntro,
	})
	if err != nil {
		t.Fatalf("duplicate redemption should not be an error, got: %v", err)
	}
	if redeemed {
		t.Fatal("expected duplicate redemption to be refused")
	}
}

func TestReserveUsageWithinLimit(t *testing.T) {
	s, mock := newMockStore(t)

	windowStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	ev := &models.UsageEvent{
		ID:      "11111111-1111-1111-1111-111111111111",
		AppID:   "snapdraft",
		UserID:  42,
		RunType: models.RunGeneration,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.MustCompile(`SELECT pg_advisory_xact_lock`).String()).
		WithArgs(ev.AppID, ev.UserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	query := regexp.MustCompile(`INSERT INTO usage_events[\s\S]+SELECT`)
	mock.ExpectExec(query.String()).
		WithArgs(ev.ID, ev.AppID, ev.UserID, ev.RunType, windowStart, 1, 150).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.ReserveUsage(context.Background(), ev, windowStart, 150)
	if err != nil {
		t.Fatalf("ReserveUsage returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected reservation within the limit to be accepted")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// Two concurrent reservations could both count only committed rows and
// overshoot the limit; the guarded insert must therefore run inside a
// transaction that first takes the subject's advisory lock.
func TestReserveUsageLocksBeforeCounting(t *testing.T) {
	s, mock := newMockStore(t)

	windowStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	ev := &models.UsageEvent{
		ID:      "33333333-3333-3333-3333-333333333333",
		AppID:   "snapdraft",
		UserID:  42,
		RunType: models.RunGeneration,
	}

	// Ordered expectations: begin, lock, guarded insert, commit. A guarded
	// insert issued before the lock fails the test.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.MustCompile(`SELECT pg_advisory_xact_lock`).String()).
		WithArgs(ev.AppID, ev.UserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.MustCompile(`INSERT INTO usage_events[\s\S]+SELECT`).String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := s.ReserveUsage(context.Background(), ev, windowStart, 5); err != nil {
		t.Fatalf("ReserveUsage returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserveUsageLockFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	ev := &models.UsageEvent{
		ID:      "44444444-4444-4444-4444-444444444444",
		AppID:   "snapdraft",
		UserID:  42,
		RunType: models.RunGeneration,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.MustCompile(`SELECT pg_advisory_xact_lock`).String()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if _, err := s.ReserveUsage(context.Background(), ev, time.Now(), 5); err == nil {
		t.Fatal("expected error when the lock cannot be taken")
	}
}

func TestReserveUsageAtLimit(t *testing.T) {
	s, mock := newMockStore(t)

	windowStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	ev := &models.UsageEvent{
		ID:      "22222222-2222-2222-2222-222222222222",
		AppID:   "snapdraft",
		UserID:  42,
		RunType: models.RunMultiGen,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.MustCompile(`SELECT pg_advisory_xact_lock`).String()).
		WithArgs(ev.AppID, ev.UserID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	query := regexp.MustCompile(`INSERT INTO usage_events[\s\S]+SELECT`)
	mock.ExpectExec(query.String()).
		WithArgs(ev.ID, ev.AppID, ev.UserID, ev.RunType, windowStart, 2, 150).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := s.ReserveUsage(context.Background(), ev, windowStart, 150)
	if err != nil {
		t.Fatalf("ReserveUsage returned error: %v", err)
	}
	if ok {
		t.Fatal("expected reservation over the limit to be rejected")
	}
}

func TestCountUsageWeighted(t *testing.T) {
	s, mock := newMockStore(t)

	windowStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	query := regexp.MustCompile(`SELECT COALESCE\(SUM\(CASE WHEN run_type`)
	mock.ExpectQuery(query.String()).
		WithArgs("snapdraft", int64(42), windowStart).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := s.CountUsage(context.Background(), "snapdraft", 42, windowStart)
	if err != nil {
		t.Fatalf("CountUsage returned error: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected count 7, got %d", count)
	}
}

func TestDeleteUsageEvent(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.MustCompile(`DELETE FROM usage_events WHERE id`)
	mock.ExpectExec(query.String()).
		WithArgs("11111111-1111-1111-1111-111111111111").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.DeleteUsageEvent(context.Background(), "11111111-1111-1111-1111-111111111111"); err != nil {
		t.Fatalf("DeleteUsageEvent returned error: %v", err)
	}
}

func TestEnqueueCompensationUpsert(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.MustCompile(`INSERT INTO pending_compensations[\s\S]+ON CONFLICT`)
	mock.ExpectExec(query.String()).
		WithArgs("11111111-1111-1111-1111-111111111111", "connection refused").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.EnqueueCompensation(context.Background(), "11111111-1111-1111-1111-111111111111", "connection refused")
	if err != nil {
		t.Fatalf("EnqueueCompensation returned error: %v", err)
	}
}

func TestListPendingCompensations(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "usage_event_id", "attempts", "last_error", "created_at", "updated_at"}).
		AddRow(int64(3), "11111111-1111-1111-1111-111111111111", 2, "timeout", now, now)

	query := regexp.MustCompile(`SELECT id, usage_event_id, attempts`)
	mock.ExpectQuery(query.String()).WithArgs(10).WillReturnRows(rows)

	pending, err := s.ListPendingCompensations(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPendingCompensations returned error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending compensation, got %d", len(pending))
	}
	if pending[0].Attempts != 2 {
		t.Fatalf("unexpected attempts: %d", pending[0].Attempts)
	}
	if pending[0].LastError == nil || *pending[0].LastError != "timeout" {
		t.Fatalf("unexpected last error: %v", pending[0].LastError)
	}
}

func TestGetEntitlementNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	query := regexp.MustCompile(`SELECT[\s\S]+FROM entitlements`)
	mock.ExpectQuery(query.String()).
		WithArgs("snapdraft", int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"app_id"}))

	ent, err := s.GetEntitlement(context.Background(), "snapdraft", 42)
	if err != nil {
		t.Fatalf("GetEntitlement returned error: %v", err)
	}
	if ent != nil {
		t.Fatal("expected nil entitlement for unknown user")
	}
}

func TestGetEntitlementFound(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	expires := now.Add(30 * 24 * time.Hour)
	rows := sqlmock.NewRows([]string{
		"app_id", "user_id", "plan", "status", "expires_at", "trial_ends_at",
		"billing_provider", "billing_reference_id", "stripe_customer_id",
		"created_at", "updated_at",
	}).AddRow("snapdraft", int64(42), "standard", "active", expires, nil, "stripe", "sub_123", "cus_123", now, now)

	query := regexp.MustCompile(`SELECT[\s\S]+FROM entitlements`)
	mock.ExpectQuery(query.String()).
		WithArgs("snapdraft", int64(42)).
		WillReturnRows(rows)

	ent, err := s.GetEntitlement(context.Background(), "snapdraft", 42)
	if err != nil {
		t.Fatalf("GetEntitlement returned error: %v", err)
	}
	if ent == nil {
		t.Fatal("expected entitlement")
	}
	if ent.Plan != models.PlanStandard {
		t.Fatalf("unexpected plan: %s", ent.Plan)
	}
	if ent.Status != models.StatusActive {
		t.Fatalf("unexpected status: %s", ent.Status)
	}
	if ent.BillingReferenceID == nil || *ent.BillingReferenceID != "sub_123" {
		t.Fatalf("unexpected billing reference: %v", ent.BillingReferenceID)
	}
}

func TestEnsureEntitlementReturnsRow(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	insert := regexp.MustCompile(`INSERT INTO entitlements[\s\S]+DO NOTHING`)
	mock.ExpectExec(insert.String()).
		WithArgs("snapdraft", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := sqlmock.NewRows([]string{
		"app_id", "user_id", "plan", "status", "expires_at", "trial_ends_at",
		"billing_provider", "billing_reference_id", "stripe_customer_id",
		"created_at", "updated_at",
	}).AddRow("snapdraft", int64(42), "free", "inactive", nil, nil, nil, nil, nil, now, now)

	query := regexp.MustCompile(`SELECT[\s\S]+FROM entitlements`)
	mock.ExpectQuery(query.String()).
		WithArgs("snapdraft", int64(42)).
		WillReturnRows(rows)

	ent, err := s.EnsureEntitlement(context.Background(), "snapdraft", 42)
	if err != nil {
		t.Fatalf("EnsureEntitlement returned error: %v", err)
	}
	if ent.Plan != models.PlanFree || ent.Status != models.StatusInactive {
		t.Fatalf("unexpected default entitlement: plan=%s status=%s", ent.Plan, ent.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProvisionTrialWinsRace(t *testing.T) {
	s, mock := newMockStore(t)

	trialEnds := time.Now().Add(7 * 24 * time.Hour)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.MustCompile(`INSERT INTO promotion_redemptions`).String()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rows := sqlmock.NewRows([]string{
		"app_id", "user_id", "plan", "status", "expires_at", "trial_ends_at",
		"billing_provider", "billing_reference_id", "stripe_customer_id",
		"created_at", "updated_at",
	}).AddRow("snapdraft", int64(42), "trial", "active", nil, trialEnds, nil, nil, nil, now, now)
	mock.ExpectQuery(regexp.MustCompile(`INSERT INTO entitlements[\s\S]+RETURNING`).String()).
		WillReturnRows(rows)
	mock.ExpectCommit()

	ent, provisioned, err := s.ProvisionTrial(context.Background(), "snapdraft", 42, trialEnds)
	if err != nil {
		t.Fatalf("ProvisionTrial returned error: %v", err)
	}
	if !provisioned {
		t.Fatal("expected this call to perform the provisioning")
	}
	if ent.Plan != models.PlanTrial || ent.Status != models.StatusActive {
		t.Fatalf("unexpected trial entitlement: plan=%s status=%s", ent.Plan, ent.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProvisionTrialLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	trialEnds := time.Now().Add(7 * 24 * time.Hour)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.MustCompile(`INSERT INTO promotion_redemptions`).String()).
		WillReturnError(uniqueViolation())

	rows := sqlmock.NewRows([]string{
		"app_id", "user_id", "plan", "status", "expires_at", "trial_ends_at",
		"billing_provider", "billing_reference_id", "stripe_customer_id",
		"created_at", "updated_at",
	}).AddRow("snapdraft", int64(42), "trial", "active", nil, trialEnds, nil, nil, nil, now, now)
	mock.ExpectQuery(regexp.MustCompile(`SELECT[\s\S]+FROM entitlements`).String()).
		WithArgs("snapdraft", int64(42)).
		WillReturnRows(rows)
	mock.ExpectRollback()

	ent, provisioned, err := s.ProvisionTrial(context.Background(), "snapdraft", 42, trialEnds)
	if err != nil {
		t.Fatalf("ProvisionTrial returned error: %v", err)
	}
	if provisioned {
		t.Fatal("expected the concurrent winner to have provisioned, not this call")
	}
	if ent == nil || ent.Plan != models.PlanTrial {
		t.Fatalf("expected to read back the winner's trial entitlement, got %+v", ent)
	}
}
