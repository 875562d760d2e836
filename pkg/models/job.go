// Package models contains shared data models used across the inferq codebase.
package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Job status lifecycle:
//
//	queued → running → completed
//	                 ↘ failed (re-queued first while attempt_count < max_attempts)
//	queued / running → cancelled
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// TerminalStatuses are the states from which no automatic transition occurs.
var TerminalStatuses = []string{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// IsTerminal reports whether a job in the given status will never move again
// without an operator action.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether s is one of the five known job statuses.
func ValidStatus(s string) bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// DefaultMaxAttempts is applied at submission when no override is configured.
const DefaultMaxAttempts = 3

// DefaultPriority is used when the submitting user has no priority configured.
const DefaultPriority = 5

// Job is a single asynchronous chat-completion request tracked from
// submission to a terminal state. All timestamps are epoch seconds.
type Job struct {
	ID     uuid.UUID `db:"id"      json:"id"`
	UserID uuid.UUID `db:"user_id" json:"user_id"`
	Status string    `db:"status"  json:"status"`

	// Priority is inherited from the submitting user and never changes.
	// PriorityScore starts equal to Priority and is bumped while the job
	// waits so low-priority jobs cannot starve forever.
	Priority      int     `db:"priority"       json:"priority"`
	PriorityScore float64 `db:"priority_score" json:"priority_score"`

	ModelID    string  `db:"model_id"    json:"model_id"`
	BackendURL *string `db:"backend_url" json:"backend_url,omitempty"`

	Request json.RawMessage `db:"request" json:"request,omitempty"`
	Result  json.RawMessage `db:"result"  json:"result,omitempty"`
	Error   *string         `db:"error"   json:"error,omitempty"`

	AttemptCount int `db:"attempt_count" json:"attempt_count"`
	MaxAttempts  int `db:"max_attempts"  json:"max_attempts"`

	CreatedAt int64  `db:"created_at" json:"created_at"`
	StartedAt *int64 `db:"started_at" json:"started_at,omitempty"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// ArchivedJob is a Job row that aged out of the active table.
type ArchivedJob struct {
	Job
	ArchivedAt int64 `db:"archived_at" json:"archived_at"`
}
