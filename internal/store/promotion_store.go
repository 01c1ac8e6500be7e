package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/snapdraft/backend/internal/models"
)

// RedeemPromotion inserts a redemption row for (app_id, user_id, promo_key).
// It returns true when the redemption was recorded and false when the triple
// was already redeemed; the unique constraint makes concurrent duplicates
// collapse to a single row without a separate existence check.
func (s *Store) RedeemPromotion(ctx context.Context, r *models.PromotionRedemption) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store: db cannot be nil")
	}

	query := `
INSERT INTO promotion_redemptions (
	app_id, user_id, promo_key, stripe_customer_id, stripe_subscription_id,
	stripe_invoice_id, stripe_event_id, metadata
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		r.AppID,
		r.UserID,
		r.PromoKey,
		r.StripeCustomerID,
		r.StripeSubscriptionID,
		r.StripeInvoiceID,
		r.StripeEventID,
		r.Metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: redeem promotion %s: %w", r.PromoKey, err)
	}

	return true, nil
}

// HasRedemption reports whether a redemption row exists for the triple.
// Used to gate trial eligibility.
func (s *Store) HasRedemption(ctx context.Context, appID string, userID int64, promoKey string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store: db cannot be nil")
	}

	var id int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id FROM promotion_redemptions WHERE app_id = $1 AND user_id = $2 AND promo_key = $3 LIMIT 1`,
		appID, userID, promoKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: lookup redemption %s: %w", promoKey, err)
	}

	return true, nil
}
