package model

import (
	"encoding/json"
	"time"
)

// Task is the central entity of the orchestration subsystem: one
// user-submitted workflow execution, from admission through a terminal
// status.
//
// Lifecycle:
//
//	PENDING -> RUNNING -> {WAITING_FOR_INPUT <-> RUNNING} -> COMPLETED | FAILED
//	   \_________________________ CANCELLED (from any active state) ___/
//
// A terminal status (COMPLETED, FAILED, CANCELLED) is sticky: the store
// ignores every later status update to such a row, Results included.
type Task struct {
	ID       string `db:"id" json:"id"`
	ClientID string `db:"client_id" json:"client_id"`

	// FlowID fingerprints (content, filename) for duplicate detection.
	FlowID   string `db:"flow_id" json:"flow_id"`
	Filename string `db:"filename" json:"filename"`

	InputTimeout int `db:"input_timeout" json:"input_timeout"`

	ScheduleType    ScheduleType `db:"schedule_type" json:"schedule_type"`
	ScheduledTime   *time.Time   `db:"scheduled_time" json:"scheduled_time,omitempty"`
	CronExpression  *string      `db:"cron_expression" json:"cron_expression,omitempty"`
	ExpiresAt       *time.Time   `db:"expires_at" json:"expires_at,omitempty"`
	TriggeredAt     *time.Time   `db:"triggered_at" json:"triggered_at,omitempty"`

	Status         TaskStatus `db:"status" json:"status"`
	InputRequestID *string    `db:"input_request_id" json:"input_request_id,omitempty"`

	// Results is either a JSON object (typically {"error": "..."} on
	// failure) or a JSON array of objects, or nil. Kept as a raw blob
	// rather than a decoded structure, since its shape is entirely
	// workflow-defined.
	Results json.RawMessage `db:"results" json:"results,omitempty"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`
}

// IsDeleted reports whether the task carries a soft-delete tombstone.
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

// IsActive reports whether the task is not in a terminal status and not
// soft-deleted.
func (t *Task) IsActive() bool {
	return !t.IsDeleted() && t.Status.IsActive()
}

// IsStuck reports whether the task is active but already carries
// results — a sign the runner crashed after publishing a terminal
// status but before the watcher persisted it.
func (t *Task) IsStuck() bool {
	return t.IsActive() && len(t.Results) > 0
}

// TaskCreate carries the fields needed to insert a new Task row. The
// repository fills in ID/CreatedAt/UpdatedAt/Status=PENDING.
type TaskCreate struct {
	ClientID     string
	FlowID       string
	Filename     string
	InputTimeout int

	ScheduleType   ScheduleType
	ScheduledTime  *time.Time
	CronExpression *string
	ExpiresAt      *time.Time
}

// StatusUpdate describes a single atomic status transition. When
// SkipResults is true, Results is ignored and the existing column is
// left untouched (used by the stuck-task reconciler, which only wants
// to flip status).
type StatusUpdate struct {
	Status         TaskStatus
	InputRequestID *string
	Results        json.RawMessage
	SkipResults    bool
}

// Client is referenced only: the submitter of a task. Full CRUD and
// OIDC verification are out of scope; this is the minimal shape the
// orchestration subsystem needs to satisfy a foreign key and to look
// up an audience.
type Client struct {
	ID           string `db:"id" json:"id"`
	ClientID     string `db:"client_id" json:"client_id"`
	HashedSecret string `db:"client_secret" json:"-"`
	Audience     string `db:"audience" json:"audience"`
}

const (
	AudienceTasksAPI   = "tasks-api"
	AudienceClientsAPI = "clients-api"
	AudienceAdmin      = "admin"
)
