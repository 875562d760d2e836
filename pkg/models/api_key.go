package models

import (
	"time"

	"github.com/google/uuid"
)

// API key roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// APIKey authenticates a caller and carries the identity attributes the job
// queue cares about: the owning user and that user's queue priority.
type APIKey struct {
	ID       uuid.UUID `db:"id"        json:"id"`
	UserID   uuid.UUID `db:"user_id"   json:"user_id"`
	Name     string    `db:"name"      json:"name"`
	KeyHash  string    `db:"key_hash"  json:"-"`
	KeyPrefix string   `db:"key_prefix" json:"key_prefix"`

	// Role gates operator-only endpoints; JobPriority (1–10) is copied onto
	// every job the user submits.
	Role        string `db:"role"         json:"role"`
	JobPriority int    `db:"job_priority" json:"job_priority"`

	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}
