package models

import "time"

// Promotional offer keys recognized by the ledger.
const (
	PromoKeyTrial = "trial_7days"
	PromoKeyIntro = "intro_monthly_1000off"
)

// ProcessedEvent marks a provider event as admitted into processing. The
// primary key on event_id is the dedup primitive: the insert is the lock.
type ProcessedEvent struct {
	EventID    string    `json:"event_id"`
	AppID      string    `json:"app_id"`
	Type       string    `json:"type"`
	ReceivedAt time.Time `json:"received_at"`
}

// PromotionRedemption records the at-most-once application of a promo offer
// to a user. Unique on (app_id, user_id, promo_key); duplicate inserts are
// silently absorbed.
type PromotionRedemption struct {
	ID                   int64     `json:"id"`
	AppID                string    `json:"app_id"`
	UserID               int64     `json:"user_id"`
	PromoKey             string    `json:"promo_key"`
	StripeCustomerID     *string   `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string   `json:"stripe_subscription_id,omitempty"`
	StripeInvoiceID      *string   `json:"stripe_invoice_id,omitempty"`
	StripeEventID        *string   `json:"stripe_event_id,omitempty"`
	Metadata             JSONB     `json:"metadata"`
	CreatedAt            time.Time `json:"created_at"`
}

// RunType classifies a usage-ledger entry. multi-gen covers a batch
// generation targeting several platforms at once.
type RunType string

const (
	RunGeneration RunType = "generation"
	RunMultiGen   RunType = "multi-gen"
	RunRefine     RunType = "refine"
)

// Cost returns the number of quota units the run consumes.
func (r RunType) Cost() int {
	if r == RunMultiGen {
		return 2
	}
	return 1
}

// UsageEvent is an append-only usage-ledger row. Rows are never updated;
// the only delete is the compensating one issued when a paid action fails
// after its reservation was recorded.
type UsageEvent struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	UserID    int64     `json:"user_id"`
	RunType   RunType   `json:"run_type"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageRecord holds the persisted input/output of a committed generation,
// keyed to its usage event.
type UsageRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	AppID     string    `json:"app_id"`
	UserID    int64     `json:"user_id"`
	Input     JSONB     `json:"input"`
	Output    JSONB     `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingCompensation is a reservation whose compensating delete failed and
// is awaiting retry by the worker.
type PendingCompensation struct {
	ID           int64     `json:"id"`
	UsageEventID string    `json:"usage_event_id"`
	Attempts     int       `json:"attempts"`
	LastError    *string   `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
