package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/snapdraft/backend/internal/models"
)

// weightedCount is the usage metric shared by reservation and reporting:
// multi-gen runs consume two units, everything else one.
const weightedCountExpr = `COALESCE(SUM(CASE WHEN run_type = 'multi-gen' THEN 2 ELSE 1 END), 0)`

// ReserveUsage appends a usage event iff the weighted usage since
// windowStart plus the new cost stays within limit. An advisory lock on
// (app_id, user_id) serializes concurrent reservations for the same
// subject: under READ COMMITTED two guarded inserts could otherwise each
// count only committed rows and both slip under the limit. The lock is
// held for the count-and-insert and released at commit.
// Returns false when the reservation was rejected.
func (s *Store) ReserveUsage(ctx context.Context, ev *models.UsageEvent, windowStart time.Time, limit int) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store: db cannot be nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: reserve usage begin: %w", err)
	}
	defer tx.Rollback()

	lock := `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2::text))`
	if _, err := tx.ExecContext(ctx, lock, ev.AppID, ev.UserID); err != nil {
		return false, fmt.Errorf("store: reserve usage lock: %w", err)
	}

	query := `
INSERT INTO usage_events (id, app_id, user_id, run_type)
SELECT $1, $2, $3, $4
WHERE (
	SELECT ` + weightedCountExpr + `
	FROM usage_events
	WHERE app_id = $2 AND user_id = $3 AND created_at >= $5
) + $6 <= $7
	`

	res, err := tx.ExecContext(ctx, query,
		ev.ID,
		ev.AppID,
		ev.UserID,
		ev.RunType,
		windowStart,
		ev.RunType.Cost(),
		limit,
	)
	if err != nil {
		return false, fmt.Errorf("store: reserve usage: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: reserve usage rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: reserve usage commit: %w", err)
	}

	return inserted == 1, nil
}

// CountUsage returns the weighted usage for (appID, userID) since windowStart.
func (s *Store) CountUsage(ctx context.Context, appID string, userID int64, windowStart time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: db cannot be nil")
	}

	query := `
SELECT ` + weightedCountExpr + `
FROM usage_events
WHERE app_id = $1 AND user_id = $2 AND created_at >= $3
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, appID, userID, windowStart).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count usage: %w", err)
	}

	return count, nil
}

// DeleteUsageEvent is the compensating action: it removes a reservation so
// the quota consumed by a failed action is restored. No other code path
// deletes ledger rows.
func (s *Store) DeleteUsageEvent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM usage_events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete usage event %s: %w", id, err)
	}

	return nil
}

// SaveUsageRecord persists the input/output of a committed generation.
func (s *Store) SaveUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	query := `
INSERT INTO usage_records (run_id, app_id, user_id, input, output)
VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := s.db.ExecContext(ctx, query, rec.RunID, rec.AppID, rec.UserID, rec.Input, rec.Output); err != nil {
		return fmt.Errorf("store: save usage record: %w", err)
	}

	return nil
}

// EnqueueCompensation queues a usage event whose compensating delete failed
// so the worker can retry it.
func (s *Store) EnqueueCompensation(ctx context.Context, usageEventID, lastError string) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	query := `
INSERT INTO pending_compensations (usage_event_id, last_error)
VALUES ($1, $2)
ON CONFLICT (usage_event_id) DO UPDATE SET
	last_error = EXCLUDED.last_error,
	updated_at = now()
	`

	if _, err := s.db.ExecContext(ctx, query, usageEventID, lastError); err != nil {
		return fmt.Errorf("store: enqueue compensation for %s: %w", usageEventID, err)
	}

	return nil
}

// ListPendingCompensations returns up to limit queued compensations, oldest
// first.
func (s *Store) ListPendingCompensations(ctx context.Context, limit int) ([]models.PendingCompensation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: db cannot be nil")
	}

	query := `
SELECT id, usage_event_id, attempts, last_error, created_at, updated_at
FROM pending_compensations
ORDER BY created_at ASC
LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list pending compensations: %w", err)
	}
	defer rows.Close()

	var pending []models.PendingCompensation
	for rows.Next() {
		var p models.PendingCompensation
		var lastError sql.NullString
		if err := rows.Scan(&p.ID, &p.UsageEventID, &p.Attempts, &lastError, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan pending compensation: %w", err)
		}
		p.LastError = nullStringPtr(lastError)
		pending = append(pending, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate pending compensations: %w", err)
	}

	return pending, nil
}

// ResolveCompensation removes a queue entry after its delete succeeded.
func (s *Store) ResolveCompensation(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_compensations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: resolve compensation %d: %w", id, err)
	}

	return nil
}

// BumpCompensationAttempt records another failed retry.
func (s *Store) BumpCompensationAttempt(ctx context.Context, id int64, lastError string) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	query := `
UPDATE pending_compensations
SET attempts = attempts + 1,
	last_error = $1,
	updated_at = now()
WHERE id = $2
	`

	if _, err := s.db.ExecContext(ctx, query, lastError, id); err != nil {
		return fmt.Errorf("store: bump compensation attempt %d: %w", id, err)
	}

	return nil
}
