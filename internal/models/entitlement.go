package models

import "time"

// Plan is the membership tier recorded on an entitlement. It describes what
// the user bought, not whether the subscription is currently in good
// standing (that is Status).
type Plan string

const (
	PlanTrial        Plan = "trial"
	PlanFree         Plan = "free"
	PlanEntry        Plan = "entry"
	PlanStandard     Plan = "standard"
	PlanProfessional Plan = "professional"
	// PlanPro is the legacy tier name used before the three-tier pricing
	// rollout. Treated as professional for quota purposes.
	PlanPro Plan = "pro"
)

// Status is the billing standing of an entitlement.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// TrialDuration is the length of the self-serve trial provisioned on first
// access. The trial start is derived as trial_ends_at minus this duration
// since no explicit start is stored.
const TrialDuration = 7 * 24 * time.Hour

// Entitlement is the authoritative record of what a user may do, one row
// per (app_id, user_id). A missing row means "never provisioned" and is
// created lazily on first access.
type Entitlement struct {
	AppID              string     `json:"app_id"`
	UserID             int64      `json:"user_id"`
	Plan               Plan       `json:"plan"`
	Status             Status     `json:"status"`
	ExpiresAt          *time.Time `json:"expires_at"`
	TrialEndsAt        *time.Time `json:"trial_ends_at"`
	BillingProvider    string     `json:"billing_provider,omitempty"`
	BillingReferenceID *string    `json:"billing_reference_id,omitempty"`
	StripeCustomerID   *string    `json:"stripe_customer_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ParsePlan maps an arbitrary plan string to a known tier, defaulting to
// free for anything unrecognized.
func ParsePlan(s string) Plan {
	switch Plan(s) {
	case PlanTrial, PlanFree, PlanEntry, PlanStandard, PlanProfessional, PlanPro:
		return Plan(s)
	default:
		return PlanFree
	}
}

// ParseStatus maps a Stripe subscription status string to a known Status,
// defaulting to inactive for anything unrecognized.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusInactive, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return Status(s)
	default:
		return StatusInactive
	}
}

// IsPaid reports whether the plan is a paid tier.
func (p Plan) IsPaid() bool {
	switch p {
	case PlanEntry, PlanStandard, PlanProfessional, PlanPro:
		return true
	default:
		return false
	}
}

// TierLimit returns the number of weighted generation units allowed per
// billing month for a paid plan. Non-paid plans have no monthly limit; they
// are gated by the daily trial limit instead.
func TierLimit(p Plan) int {
	switch p {
	case PlanEntry:
		return 50
	case PlanStandard:
		return 150
	case PlanProfessional, PlanPro:
		return 300
	default:
		return 0
	}
}

// TrialDailyLimit is the weighted unit allowance per calendar day for users
// without an active paid subscription.
const TrialDailyLimit = 5

// HasPaidAccess reports whether the entitlement is tied to a live paid
// subscription. past_due counts as live here so the quota window stays
// anchored to the billing month while a payment retries; it does not grant
// access, since CanUseApp excludes it.
func (e *Entitlement) HasPaidAccess(now time.Time) bool {
	if e == nil || !e.Plan.IsPaid() {
		return false
	}
	switch e.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
	default:
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// HasTrialAccess reports whether the entitlement grants access through an
// unexpired trial.
func (e *Entitlement) HasTrialAccess(now time.Time) bool {
	if e == nil || e.TrialEndsAt == nil {
		return false
	}
	return e.Status == StatusActive && now.Before(*e.TrialEndsAt)
}

// CanUseApp is the single access predicate consumed by the product: an
// active paid subscription or a live trial, nothing else.
func (e *Entitlement) CanUseApp(now time.Time) bool {
	return e.HasTrialAccess(now) || e.isPaidUsable(now)
}

// isPaidUsable mirrors the looser variant used by the client plan check:
// active or trialing status with no expiry in the past.
func (e *Entitlement) isPaidUsable(now time.Time) bool {
	if e == nil {
		return false
	}
	if e.Status != StatusActive && e.Status != StatusTrialing {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// TrialStart derives the trial start timestamp from trial_ends_at, or nil
// when the entitlement never had a trial.
func (e *Entitlement) TrialStart() *time.Time {
	if e == nil || e.TrialEndsAt == nil {
		return nil
	}
	start := e.TrialEndsAt.Add(-TrialDuration)
	return &start
}
