package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/snapdraft/backend/internal/models"
)

const entitlementColumns = `
	app_id, user_id, plan, status, expires_at, trial_ends_at,
	billing_provider, billing_reference_id, stripe_customer_id,
	created_at, updated_at`

// GetEntitlement returns the entitlement row for (appID, userID), or nil
// when the user was never provisioned.
func (s *Store) GetEntitlement(ctx context.Context, appID string, userID int64) (*models.Entitlement, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: db cannot be nil")
	}

	query := `SELECT` + entitlementColumns + `
FROM entitlements
WHERE app_id = $1 AND user_id = $2
	`

	row := s.db.QueryRowContext(ctx, query, appID, userID)
	ent, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entitlement: %w", err)
	}

	return ent, nil
}

// UpsertEntitlement writes the full billing projection for (app_id, user_id).
// The stripe customer id is only overwritten when the new value is non-null
// so a subscription event without a customer does not erase the correlation.
func (s *Store) UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	query := `
INSERT INTO entitlements (
	app_id, user_id, plan, status, expires_at, trial_ends_at,
	billing_provider, billing_reference_id, stripe_customer_id
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (app_id, user_id) DO UPDATE SET
	plan = EXCLUDED.plan,
	status = EXCLUDED.status,
	expires_at = EXCLUDED.expires_at,
	trial_ends_at = EXCLUDED.trial_ends_at,
	billing_provider = EXCLUDED.billing_provider,
	billing_reference_id = COALESCE(EXCLUDED.billing_reference_id, entitlements.billing_reference_id),
	stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, entitlements.stripe_customer_id),
	updated_at = now()
	`

	_, err := s.db.ExecContext(ctx, query,
		ent.AppID,
		ent.UserID,
		ent.Plan,
		ent.Status,
		ent.ExpiresAt,
		ent.TrialEndsAt,
		ent.BillingProvider,
		ent.BillingReferenceID,
		ent.StripeCustomerID,
	)
	if err != nil {
		return fmt.Errorf("store: upsert entitlement: %w", err)
	}

	return nil
}

// EnsureEntitlement lazily creates the default inactive entitlement for a
// user seen for the first time and returns the current row. Callers never
// see a nil entitlement after this.
func (s *Store) EnsureEntitlement(ctx context.Context, appID string, userID int64) (*models.Entitlement, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: db cannot be nil")
	}

	insert := `
INSERT INTO entitlements (app_id, user_id, plan, status)
VALUES ($1, $2, 'free', 'inactive')
ON CONFLICT (app_id, user_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, insert, appID, userID); err != nil {
		return nil, fmt.Errorf("store: ensure entitlement: %w", err)
	}

	ent, err := s.GetEntitlement(ctx, appID, userID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, fmt.Errorf("store: entitlement missing after ensure for user %d", userID)
	}

	return ent, nil
}

// ProvisionTrial atomically records the trial redemption and activates the
// trial entitlement in one transaction. It returns the resulting
// entitlement and whether this call performed the provisioning; false means
// a concurrent request won the redemption insert and the caller should
// re-read state.
func (s *Store) ProvisionTrial(ctx context.Context, appID string, userID int64, trialEndsAt time.Time) (*models.Entitlement, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("store: db cannot be nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: begin trial provisioning tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO promotion_redemptions (app_id, user_id, promo_key, metadata)
		 VALUES ($1, $2, $3, $4)`,
		appID,
		userID,
		models.PromoKeyTrial,
		models.JSONB{"source": "auto_provision"},
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race: another request already redeemed the trial.
			ent, getErr := s.GetEntitlement(ctx, appID, userID)
			if getErr != nil {
				return nil, false, getErr
			}
			return ent, false, nil
		}
		return nil, false, fmt.Errorf("store: redeem trial promotion: %w", err)
	}

	row := tx.QueryRowContext(
		ctx,
		`INSERT INTO entitlements (app_id, user_id, plan, status, trial_ends_at)
		 VALUES ($1, $2, 'trial', 'active', $3)
		 ON CONFLICT (app_id, user_id) DO UPDATE SET
			plan = 'trial',
			status = 'active',
			trial_ends_at = EXCLUDED.trial_ends_at,
			updated_at = now()
		 RETURNING`+entitlementColumns,
		appID,
		userID,
		trialEndsAt,
	)

	ent, err := scanEntitlement(row)
	if err != nil {
		return nil, false, fmt.Errorf("store: activate trial entitlement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("store: commit trial provisioning tx: %w", err)
	}

	return ent, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntitlement(row rowScanner) (*models.Entitlement, error) {
	var (
		ent         models.Entitlement
		plan        string
		status      string
		expiresAt   sql.NullTime
		trialEndsAt sql.NullTime
		provider    sql.NullString
		billingRef  sql.NullString
		customerID  sql.NullString
	)

	if err := row.Scan(
		&ent.AppID,
		&ent.UserID,
		&plan,
		&status,
		&expiresAt,
		&trialEndsAt,
		&provider,
		&billingRef,
		&customerID,
		&ent.CreatedAt,
		&ent.UpdatedAt,
	); err != nil {
		return nil, err
	}

	ent.Plan = models.ParsePlan(plan)
	ent.Status = models.ParseStatus(status)
	ent.ExpiresAt = nullTimePtr(expiresAt)
	ent.TrialEndsAt = nullTimePtr(trialEndsAt)
	if provider.Valid {
		ent.BillingProvider = provider.String
	}
	ent.BillingReferenceID = nullStringPtr(billingRef)
	ent.StripeCustomerID = nullStringPtr(customerID)

	return &ent, nil
}
