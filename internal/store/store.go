package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/snapdraft/backend/internal/models"
)

// Store provides database-backed accessors for application data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation. The dedup and promotion guards lean on this: the insert is the
// lock, and 23505 is the "already held" signal.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetUserByToken resolves the authenticated principal for a bearer token.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: db cannot be nil")
	}

	query := `
SELECT id, email, name, created_at
FROM users
WHERE api_token = $1
LIMIT 1
	`

	var user models.User
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&user.ID,
		&user.Email,
		&name,
		&user.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by token: %w", err)
	}

	user.Name = nullStringPtr(name)
	return &user, nil
}

// CreateRequestLog records a served API request for usage tracking.
func (s *Store) CreateRequestLog(ctx context.Context, userID int64, method, endpoint string, statusCode, responseTimeMs int) error {
	if s == nil || s.db == nil {
		return errors.New("store: db cannot be nil")
	}

	query := `
INSERT INTO request_log (user_id, method, endpoint, status_code, response_time_ms)
VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := s.db.ExecContext(ctx, query, userID, method, endpoint, statusCode, responseTimeMs); err != nil {
		return fmt.Errorf("store: create request log: %w", err)
	}

	return nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
