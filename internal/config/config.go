package config

import (
	"fmt"
	"os"
	"time"
)

// Config captures runtime configuration values used by the backend service.
// Everything billing- or generation-related is injected from here; nothing
// else reads the environment.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18211".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// AppID scopes entitlement and usage rows; one deployment serves one app.
	AppID string

	// StripeSecretKey authenticates against the Stripe REST API.
	StripeSecretKey string

	// StripeWebhookSecret is the shared secret used to verify webhook signatures.
	StripeWebhookSecret string

	// Stripe price ids mapped to plan tiers.
	PriceIDEntry        string
	PriceIDStandard     string
	PriceIDProfessional string

	// StarterCoupon is the coupon id whose application marks an intro-promo
	// redemption on invoices. Optional.
	StarterCoupon string

	// GeminiAPIKey authenticates the generation collaborator.
	GeminiAPIKey string

	// GeminiModel is the model name used for generation. Defaults to gemini-2.5-flash.
	GeminiModel string

	// Location anchors calendar-day and calendar-month quota windows.
	// Defaults to Asia/Tokyo, the billing timezone of the product.
	Location *time.Location
}

const (
	defaultServerAddress = ":18211"
	defaultGeminiModel   = "models/gemini-2.5-flash"
	defaultTimezone      = "Asia/Tokyo"

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envAppID               = "APP_ID"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envPriceEntry          = "STRIPE_PRICE_MONTHLY_EARLY_BIRD_ID"
	envPriceStandard       = "STRIPE_PRICE_MONTHLY_STANDARD_ID"
	envPriceProfessional   = "STRIPE_PRICE_MONTHLY_ID"
	envStarterCoupon       = "STRIPE_COUPON_STARTER_MONTHLY"
	envGeminiAPIKey        = "GEMINI_API_KEY"
	envGeminiModel         = "GEMINI_MODEL"
	envTimezone            = "BILLING_TIMEZONE"
)

// Load reads configuration from environment variables, applies defaults, and
// returns a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         os.Getenv(envDatabaseURL),
		AppID:               os.Getenv(envAppID),
		StripeSecretKey:     os.Getenv(envStripeSecretKey),
		StripeWebhookSecret: os.Getenv(envStripeWebhookSecret),
		PriceIDEntry:        os.Getenv(envPriceEntry),
		PriceIDStandard:     os.Getenv(envPriceStandard),
		PriceIDProfessional: os.Getenv(envPriceProfessional),
		StarterCoupon:       os.Getenv(envStarterCoupon),
		GeminiAPIKey:        os.Getenv(envGeminiAPIKey),
		GeminiModel:         firstNonEmpty(os.Getenv(envGeminiModel), defaultGeminiModel),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.AppID == "" {
		return Config{}, fmt.Errorf("%s is required", envAppID)
	}
	if cfg.StripeWebhookSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeWebhookSecret)
	}

	tz := firstNonEmpty(os.Getenv(envTimezone), defaultTimezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envTimezone, tz, err)
	}
	cfg.Location = loc

	return cfg, nil
}

// PlanForPriceID maps a Stripe price id to its plan tier. Returns false when
// the price is not one of the configured tiers.
func (c Config) PlanForPriceID(priceID string) (string, bool) {
	switch {
	case priceID == "":
		return "", false
	case priceID == c.PriceIDEntry:
		return "entry", true
	case priceID == c.PriceIDStandard:
		return "standard", true
	case priceID == c.PriceIDProfessional:
		return "professional", true
	default:
		return "", false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
