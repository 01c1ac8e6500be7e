package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/snapdraft/backend/internal/config"
	"github.com/snapdraft/backend/internal/models"
	"github.com/snapdraft/backend/internal/stripe"
)

// Rejection reasons surfaced to the client.
const (
	ReasonDailyLimit   = "daily_limit_reached"
	ReasonMonthlyLimit = "monthly_limit_reached"
)

// billingLookupTimeout bounds the Stripe call that anchors the billing-month
// window. On timeout the gate falls back to the calendar month instead of
// failing the request.
const billingLookupTimeout = 3 * time.Second

// ErrAccessDenied means the entitlement grants no access at all (expired
// trial, canceled subscription, inactive row).
var ErrAccessDenied = errors.New("quota: entitlement not usable")

// RejectedError carries the data the client needs to render an upgrade
// prompt. It is an expected outcome, not an application error.
type RejectedError struct {
	Reason  string
	Limit   int
	Current int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("quota: %s (current %d, limit %d)", e.Reason, e.Current, e.Limit)
}

// Store is the persistence surface the gate drives.
type Store interface {
	GetEntitlement(ctx context.Context, appID string, userID int64) (*models.Entitlement, error)
	EnsureEntitlement(ctx context.Context, appID string, userID int64) (*models.Entitlement, error)
	ProvisionTrial(ctx context.Context, appID string, userID int64, trialEndsAt time.Time) (*models.Entitlement, bool, error)
	HasRedemption(ctx context.Context, appID string, userID int64, promoKey string) (bool, error)
	ReserveUsage(ctx context.Context, ev *models.UsageEvent, windowStart time.Time, limit int) (bool, error)
	CountUsage(ctx context.Context, appID string, userID int64, windowStart time.Time) (int, error)
}

// SubscriptionFetcher resolves the current billing period for paid windows.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// Reservation is a granted usage slot.
type Reservation struct {
	UsageEventID string
	Limit        int
	Current      int
	Remaining    int
}

// Gate computes the caller's plan, the active accounting window, and admits
// or rejects paid actions against the plan limit.
type Gate struct {
	cfg    config.Config
	store  Store
	stripe SubscriptionFetcher
	now    func() time.Time
}

// New creates a Gate. The clock is injectable for window tests.
func New(cfg config.Config, store Store, fetcher SubscriptionFetcher) *Gate {
	return &Gate{cfg: cfg, store: store, stripe: fetcher, now: time.Now}
}

// ResolveEntitlement returns the caller's entitlement, provisioning one
// lazily on first access: a self-serve trial when the trial offer was never
// redeemed, otherwise an inactive row that denies access.
func (g *Gate) ResolveEntitlement(ctx context.Context, userID int64) (*models.Entitlement, error) {
	ent, err := g.store.GetEntitlement(ctx, g.cfg.AppID, userID)
	if err != nil {
		return nil, err
	}
	if ent != nil {
		return ent, nil
	}

	eligible, err := g.EligibleForTrial(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return g.store.EnsureEntitlement(ctx, g.cfg.AppID, userID)
	}

	ent, provisioned, err := g.store.ProvisionTrial(ctx, g.cfg.AppID, userID, g.now().Add(models.TrialDuration))
	if err != nil {
		return nil, err
	}
	if provisioned {
		log.Printf("[quota] provisioned trial for user %d", userID)
	}
	if ent == nil {
		// Lost the provisioning race and the winner's row is not visible
		// yet; re-read through the lazy path.
		return g.store.EnsureEntitlement(ctx, g.cfg.AppID, userID)
	}
	return ent, nil
}

// EligibleForTrial reports whether the user can still take the trial offer:
// no entitlement beyond the free tier, and the offer never redeemed. Callers
// without an entitlement row pass nil.
func (g *Gate) EligibleForTrial(ctx context.Context, ent *models.Entitlement, userID int64) (bool, error) {
	if ent != nil && ent.Plan != models.PlanFree {
		return false, nil
	}
	redeemed, err := g.store.HasRedemption(ctx, g.cfg.AppID, userID, models.PromoKeyTrial)
	if err != nil {
		return false, err
	}
	return !redeemed, nil
}

// Reserve admits a run of the given type against the caller's quota and
// records it in the ledger. Returns ErrAccessDenied when the entitlement is
// unusable and *RejectedError when the window is full.
func (g *Gate) Reserve(ctx context.Context, ent *models.Entitlement, runType models.RunType) (*Reservation, error) {
	now := g.now()
	if !ent.CanUseApp(now) {
		return nil, ErrAccessDenied
	}

	limit, windowStart, reason := g.window(ctx, ent, now)

	ev := &models.UsageEvent{
		ID:      uuid.NewString(),
		AppID:   ent.AppID,
		UserID:  ent.UserID,
		RunType: runType,
	}

	reserved, err := g.store.ReserveUsage(ctx, ev, windowStart, limit)
	if err != nil {
		return nil, err
	}

	current, err := g.store.CountUsage(ctx, ent.AppID, ent.UserID, windowStart)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, &RejectedError{Reason: reason, Limit: limit, Current: current}
	}

	return &Reservation{
		UsageEventID: ev.ID,
		Limit:        limit,
		Current:      current,
		Remaining:    limit - current,
	}, nil
}

// Usage returns the consumed and allowed units for the entitlement's
// current window, for client display.
func (g *Gate) Usage(ctx context.Context, ent *models.Entitlement) (current, limit int, err error) {
	now := g.now()
	limit, windowStart, _ := g.window(ctx, ent, now)
	current, err = g.store.CountUsage(ctx, ent.AppID, ent.UserID, windowStart)
	if err != nil {
		return 0, 0, err
	}
	return current, limit, nil
}

// window resolves the limit, window lower bound, and rejection reason for
// the entitlement. Paid plans count within the billing month anchored at
// the subscription's current period start; everyone else counts within the
// calendar day, clamped to the trial start when a trial exists.
func (g *Gate) window(ctx context.Context, ent *models.Entitlement, now time.Time) (int, time.Time, string) {
	if ent.HasPaidAccess(now) {
		return models.TierLimit(ent.Plan), g.billingMonthStart(ctx, ent, now), ReasonMonthlyLimit
	}

	start := dayStart(now, g.cfg.Location)
	if ts := ent.TrialStart(); ts != nil && ts.After(start) {
		start = *ts
	}
	return models.TrialDailyLimit, start, ReasonDailyLimit
}

// billingMonthStart asks Stripe for the current period start. Unavailable
// or slow answers degrade to the calendar-month start.
func (g *Gate) billingMonthStart(ctx context.Context, ent *models.Entitlement, now time.Time) time.Time {
	fallback := monthStart(now, g.cfg.Location)
	if ent.BillingReferenceID == nil || g.stripe == nil {
		return fallback
	}

	lookupCtx, cancel := context.WithTimeout(ctx, billingLookupTimeout)
	defer cancel()

	sub, err := g.stripe.GetSubscription(lookupCtx, *ent.BillingReferenceID)
	if err != nil {
		log.Printf("[quota] billing period lookup failed for user %d, using calendar month: %v", ent.UserID, err)
		return fallback
	}
	if sub.CurrentPeriodStart == nil {
		return fallback
	}
	return *sub.CurrentPeriodStart
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	year, month, day := t.In(loc).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func monthStart(t time.Time, loc *time.Location) time.Time {
	year, month, _ := t.In(loc).Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, loc)
}
