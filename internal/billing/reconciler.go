package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/snapdraft/backend/internal/config"
	"github.com/snapdraft/backend/internal/models"
	"github.com/snapdraft/backend/internal/stripe"
)

// ErrUnresolvableEvent marks an event missing a required correlation id
// (user or subscription). The webhook handler turns it into a 5xx and
// releases the admission so the provider retries once the data is fixed.
var ErrUnresolvableEvent = errors.New("billing: required identifier missing")

// EntitlementStore is the subset of the store the reconciler writes through.
type EntitlementStore interface {
	UpsertEntitlement(ctx context.Context, ent *models.Entitlement) error
	RedeemPromotion(ctx context.Context, r *models.PromotionRedemption) (bool, error)
}

// SubscriptionFetcher reads subscription detail from the billing provider.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// Reconciler projects admitted billing events onto entitlement rows. Every
// transition is idempotent: re-applying an event produces the same state.
type Reconciler struct {
	cfg    config.Config
	store  EntitlementStore
	stripe SubscriptionFetcher
}

// New creates a Reconciler with its configuration and collaborators injected.
func New(cfg config.Config, store EntitlementStore, fetcher SubscriptionFetcher) *Reconciler {
	return &Reconciler{cfg: cfg, store: store, stripe: fetcher}
}

// Apply routes an event to its projection. Event types outside the handled
// set are ignored so new provider events never break the endpoint.
func (r *Reconciler) Apply(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return r.applyCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return r.applySubscriptionChange(ctx, event)
	case "invoice.payment_succeeded":
		return r.applyInvoicePaid(ctx, event)
	default:
		log.Printf("[billing] ignoring event %s of type %s", event.ID, event.Type)
		return nil
	}
}

func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	session := event.Object()

	userID, err := resolveUserID(stripe.Metadata(session)["user_id"], stripe.String(session, "client_reference_id"))
	if err != nil {
		return fmt.Errorf("%w: checkout session %s has no user id", ErrUnresolvableEvent, stripe.String(session, "id"))
	}
	appID := r.appID(stripe.Metadata(session)["app_id"])

	subID := stripe.String(session, "subscription")
	if subID == "" {
		return fmt.Errorf("%w: checkout session %s has no subscription", ErrUnresolvableEvent, stripe.String(session, "id"))
	}

	sub, err := r.stripe.GetSubscription(ctx, subID)
	if err != nil {
		return fmt.Errorf("billing: fetch subscription for checkout: %w", err)
	}

	customerID := stripe.String(session, "customer")
	if customerID == "" {
		customerID = sub.CustomerID
	}

	ent := r.projectSubscription(appID, userID, sub, customerID)
	if err := r.store.UpsertEntitlement(ctx, ent); err != nil {
		return fmt.Errorf("billing: apply checkout %s: %w", event.ID, err)
	}

	return r.recordTrialRedemption(ctx, event, session, appID, userID, subID, customerID)
}

// recordTrialRedemption books the trial offer when the checkout carried
// trial metadata. No invoice exists yet at trial start, so the invoice id
// field holds a fixed placeholder.
func (r *Reconciler) recordTrialRedemption(ctx context.Context, event *stripe.Event, session map[string]interface{}, appID string, userID int64, subID, customerID string) error {
	meta := stripe.Metadata(session)
	trialDays, _ := strconv.Atoi(meta["trial_days"])
	promoKey := meta["trial_promo_key"]
	if trialDays <= 0 || promoKey == "" {
		return nil
	}

	recorded, err := r.store.RedeemPromotion(ctx, &models.PromotionRedemption{
		AppID:                appID,
		UserID:               userID,
		PromoKey:             promoKey,
		StripeCustomerID:     optional(customerID),
		StripeSubscriptionID: optional(subID),
		StripeInvoiceID:      optional("trial_started"),
		StripeEventID:        optional(event.ID),
		Metadata: models.JSONB{
			"is_trial":   true,
			"trial_days": trialDays,
			"session_id": stripe.String(session, "id"),
		},
	})
	if err != nil {
		return fmt.Errorf("billing: record trial redemption: %w", err)
	}
	if !recorded {
		log.Printf("[billing] trial promo %s already redeemed for user %d", promoKey, userID)
	}
	return nil
}

func (r *Reconciler) applySubscriptionChange(ctx context.Context, event *stripe.Event) error {
	sub := stripe.SubscriptionFromObject(event.Object())

	userID, err := resolveUserID(sub.Metadata["user_id"], "")
	if err != nil {
		return fmt.Errorf("%w: subscription %s has no user id in metadata", ErrUnresolvableEvent, sub.ID)
	}
	appID := r.appID(sub.Metadata["app_id"])

	if event.Type == "customer.subscription.deleted" {
		sub.Status = string(models.StatusCanceled)
	}

	ent := r.projectSubscription(appID, userID, sub, sub.CustomerID)
	if err := r.store.UpsertEntitlement(ctx, ent); err != nil {
		return fmt.Errorf("billing: apply %s %s: %w", event.Type, event.ID, err)
	}
	return nil
}

// applyInvoicePaid never changes the entitlement. It only books the intro
// promotion when the invoice shows the offer was applied. An invoice whose
// user cannot be resolved skips promotion recording with a warning instead
// of failing the event.
func (r *Reconciler) applyInvoicePaid(ctx context.Context, event *stripe.Event) error {
	invoice := event.Object()

	userID, appID, err := r.resolveInvoiceUser(ctx, invoice)
	if err != nil {
		return err
	}
	if userID == 0 {
		log.Printf("[billing] invoice %s: user unresolved, skipping promo check", stripe.String(invoice, "id"))
		return nil
	}

	if !r.isIntroPromo(invoice) {
		return nil
	}

	metadata := models.JSONB{"coupon_ids": couponIDs(invoice)}
	for k, v := range stripe.Metadata(invoice) {
		metadata[k] = v
	}

	recorded, err := r.store.RedeemPromotion(ctx, &models.PromotionRedemption{
		AppID:                appID,
		UserID:               userID,
		PromoKey:             models.PromoKeyIntro,
		StripeCustomerID:     optional(stripe.String(invoice, "customer")),
		StripeSubscriptionID: optional(invoiceSubscriptionID(invoice)),
		StripeInvoiceID:      optional(stripe.String(invoice, "id")),
		StripeEventID:        optional(event.ID),
		Metadata:             metadata,
	})
	if err != nil {
		return fmt.Errorf("billing: record intro redemption: %w", err)
	}
	if !recorded {
		log.Printf("[billing] intro promo already redeemed for user %d", userID)
	}
	return nil
}

// resolveInvoiceUser walks the fallback chain: invoice metadata, then
// line-item metadata, then the subscription's metadata via an API lookup.
// Returns userID 0 when the whole chain comes up empty.
func (r *Reconciler) resolveInvoiceUser(ctx context.Context, invoice map[string]interface{}) (int64, string, error) {
	meta := stripe.Metadata(invoice)
	appID := r.appID(meta["app_id"])

	if id, err := resolveUserID(meta["user_id"], ""); err == nil {
		return id, appID, nil
	}

	for _, line := range invoiceLines(invoice) {
		lineMeta := stripe.Metadata(line)
		if id, err := resolveUserID(lineMeta["user_id"], ""); err == nil {
			return id, r.appID(lineMeta["app_id"]), nil
		}
	}

	subID := invoiceSubscriptionID(invoice)
	if subID == "" {
		return 0, appID, nil
	}
	sub, err := r.stripe.GetSubscription(ctx, subID)
	if err != nil {
		return 0, appID, fmt.Errorf("billing: resolve invoice user via subscription: %w", err)
	}
	if id, err := resolveUserID(sub.Metadata["user_id"], ""); err == nil {
		return id, r.appID(sub.Metadata["app_id"]), nil
	}

	return 0, appID, nil
}

// isIntroPromo detects the introductory discount two ways: the configured
// coupon id appears on the invoice, or the promo key is tagged in the
// invoice or line-item metadata.
func (r *Reconciler) isIntroPromo(invoice map[string]interface{}) bool {
	if r.cfg.StarterCoupon != "" {
		for _, id := range couponIDs(invoice) {
			if id == r.cfg.StarterCoupon {
				return true
			}
		}
	}

	if stripe.Metadata(invoice)["promo_key"] == models.PromoKeyIntro {
		return true
	}
	for _, line := range invoiceLines(invoice) {
		if stripe.Metadata(line)["promo_key"] == models.PromoKeyIntro {
			return true
		}
	}

	return false
}

// projectSubscription maps a subscription object onto the entitlement row.
// The tier comes from subscription metadata when present, then the price id
// mapping, then the legacy pro tier for subscriptions created before the
// three-tier rollout.
func (r *Reconciler) projectSubscription(appID string, userID int64, sub *stripe.Subscription, customerID string) *models.Entitlement {
	plan := models.PlanPro
	if meta := sub.Metadata["plan"]; meta != "" && models.ParsePlan(meta).IsPaid() {
		plan = models.ParsePlan(meta)
	} else if tier, ok := r.cfg.PlanForPriceID(sub.PriceID); ok {
		plan = models.ParsePlan(tier)
	}

	return &models.Entitlement{
		AppID:              appID,
		UserID:             userID,
		Plan:               plan,
		Status:             models.ParseStatus(sub.Status),
		ExpiresAt:          sub.ExpiresAt(),
		TrialEndsAt:        sub.TrialEnd,
		BillingProvider:    "stripe",
		BillingReferenceID: optional(sub.ID),
		StripeCustomerID:   optional(customerID),
	}
}

func (r *Reconciler) appID(fromEvent string) string {
	if fromEvent != "" {
		return fromEvent
	}
	return r.cfg.AppID
}

func resolveUserID(candidates ...string) (int64, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		id, err := strconv.ParseInt(c, 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("billing: malformed user id %q", c)
		}
		return id, nil
	}
	return 0, errors.New("billing: no user id candidate")
}

func invoiceLines(invoice map[string]interface{}) []map[string]interface{} {
	lines, ok := invoice["lines"].(map[string]interface{})
	if !ok {
		return nil
	}
	data, ok := lines["data"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(data))
	for _, entry := range data {
		if m, ok := entry.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// invoiceSubscriptionID handles both shapes Stripe sends: a bare id string
// or an expanded subscription object.
func invoiceSubscriptionID(invoice map[string]interface{}) string {
	switch v := invoice["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		return stripe.String(v, "id")
	default:
		return ""
	}
}

// couponIDs collects the distinct coupon ids from the invoice's discounts,
// skipping unexpanded discount references.
func couponIDs(invoice map[string]interface{}) []string {
	discounts, ok := invoice["discounts"].([]interface{})
	if !ok {
		return nil
	}

	seen := map[string]bool{}
	var ids []string
	for _, entry := range discounts {
		discount, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		var id string
		switch coupon := discount["coupon"].(type) {
		case string:
			id = coupon
		case map[string]interface{}:
			id = stripe.String(coupon, "id")
		}
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
