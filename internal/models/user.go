package models

import "time"

// User is an authenticated principal. API access is authorized by the
// api_token bearer credential.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
