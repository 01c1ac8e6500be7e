package handlers

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/snapdraft/backend/internal/stripe"
)

// maxWebhookBody caps how much of a webhook payload is read.
const maxWebhookBody = 64 * 1024

// releaseTimeout bounds the admission release issued after a processing
// failure. It runs on its own context: the request context may already be
// dead when the provider timed out the delivery.
const releaseTimeout = 5 * time.Second

// EventStore is the dedup guard driven by the webhook endpoint.
type EventStore interface {
	AdmitEvent(ctx context.Context, eventID, appID, eventType string) (bool, error)
	ReleaseEvent(ctx context.Context, eventID string) error
}

// EventApplier projects an admitted event onto the entitlement state.
type EventApplier interface {
	Apply(ctx context.Context, event *stripe.Event) error
}

// StripeWebhook verifies, deduplicates, and applies billing events. The
// provider sees 200 for both fresh and duplicate deliveries; a processing
// failure releases the admission and returns 5xx so the retry is processed.
func StripeWebhook(appID, webhookSecret string, events EventStore, reconciler EventApplier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "unreadable body"})
			return
		}

		event, err := stripe.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), webhookSecret)
		if err != nil {
			log.Printf("[webhook] signature verification failed: %v", err)
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "invalid signature"})
			return
		}

		admitted, err := events.AdmitEvent(r.Context(), event.ID, appID, event.Type)
		if err != nil {
			log.Printf("[webhook] admit failed for %s: %v", event.ID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "admission failed"})
			return
		}
		if !admitted {
			log.Printf("[webhook] deduped event %s (%s)", event.ID, event.Type)
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "deduped": true})
			return
		}

		if err := reconciler.Apply(r.Context(), event); err != nil {
			log.Printf("[webhook] processing failed for %s (%s): %v", event.ID, event.Type, err)
			// Release the admission so the provider's retry is not
			// swallowed as a duplicate. Detached context: a client abort
			// mid-Apply must not also kill the release.
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if relErr := events.ReleaseEvent(releaseCtx, event.ID); relErr != nil {
				log.Printf("[webhook] failed to release admission for %s: %v", event.ID, relErr)
			}
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"ok": false, "error": "processing failed"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	}
}
