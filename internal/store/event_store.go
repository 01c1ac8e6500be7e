package store

import (
	"context"
	"errors"
	"fmt"
)

// AdmitEvent records a provider event id as processed. It returns true when
// the event was admitted for the first time and false when the id was seen
// before. A duplicate is not an error: the insert hitting the primary key
// IS the dedup check, so there is no read-then-write window.
func (s *Store) AdmitEvent(ctx context.Context, eventID, appID, eventType string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store: db cannot be nil")
	}

	query := `
INSERT INTO stripe_events (event_id, app_id, type)
VALUES ($1, $2, $3)
	`

	if _, err := s.db.ExecContext(ctx, query, eventID, appID, eventType); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: admit event %s: %w", eventID, err)
	}

	return true, nil
}

// ReleaseEvent removes an admission so the provider's retry of a failed
// event is processed afresh. Only the webhook handler calls this, and only
// after downstream processing of a freshly admitted event has failed.
func (s *Store) ReleaseEvent(ctx context.Context, eventID string) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM stripe_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("store: release event %s: %w", eventID, err)
	}

	return nil
}
