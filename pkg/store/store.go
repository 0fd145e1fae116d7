// Package store implements the task repository: CRUD plus the
// paginated and filtered queries the orchestration subsystem, the
// admission controller, and the maintenance jobs all need. It exposes
// a Store interface with two sqlx backends: PostgreSQL and SQLite.
package store

import (
	"context"
	"time"

	"github.com/waldiez/runner/pkg/model"
)

// PageParams bounds a paginated listing. Page is 1-indexed.
type PageParams struct {
	Page int
	Size int
}

// Normalize clamps Page/Size to sane defaults.
func (p PageParams) Normalize() PageParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 || p.Size > 500 {
		p.Size = 50
	}
	return p
}

func (p PageParams) offset() int { return (p.Page - 1) * p.Size }

// Page is a single page of results plus the total row count across
// all pages, so callers can render "N of M".
type Page[T any] struct {
	Items []T
	Total int64
	Page  int
	Size  int
}

// Store is the capability every part of the orchestration subsystem
// depends on for task persistence. Every listing method excludes
// soft-deleted rows unless its name says otherwise.
type Store interface {
	CreateTask(ctx context.Context, in model.TaskCreate) (model.Task, error)
	GetTask(ctx context.Context, taskID string) (*model.Task, error)

	ListClientTasks(ctx context.Context, clientID string, p PageParams) (Page[model.Task], error)
	ListAllTasks(ctx context.Context, p PageParams) (Page[model.Task], error)
	ListActiveClientTasks(ctx context.Context, clientID string, p PageParams) (Page[model.Task], error)
	ListTasksToDelete(ctx context.Context, olderThan time.Time, p PageParams) (Page[model.Task], error)
	ListPendingTasks(ctx context.Context, p PageParams) (Page[model.Task], error)
	ListActiveTasks(ctx context.Context, p PageParams) (Page[model.Task], error)
	ListStuckTasks(ctx context.Context, p PageParams) (Page[model.Task], error)

	// SoftDeleteClientTasks tombstones a client's tasks, restricted to
	// terminal-status tasks when inactiveOnly is true, and returns the
	// IDs it marked.
	SoftDeleteClientTasks(ctx context.Context, clientID string, inactiveOnly bool) ([]string, error)

	// SoftDeleteTasksByIDs tombstones exactly the given task ids.
	// ownerClientID, when non-empty, restricts the match to that
	// client's own rows (the non-admin case); inactiveOnly restricts
	// the match to tasks already in a terminal status, silently
	// skipping active ones rather than erroring. Returns the ids it
	// actually tombstoned.
	SoftDeleteTasksByIDs(ctx context.Context, ids []string, ownerClientID string, inactiveOnly bool) ([]string, error)

	UpdateTaskStatus(ctx context.Context, taskID string, update model.StatusUpdate) error

	// UpdateStaleWaitingForInput fails every task stuck in
	// WAITING_FOR_INPUT whose last update predates olderThan.
	UpdateStaleWaitingForInput(ctx context.Context, olderThan time.Time) (int64, error)

	DeleteTask(ctx context.Context, taskID string) error
	DeleteClientTasks(ctx context.Context, clientID string) error
	DeleteClientFlowTask(ctx context.Context, clientID, flowID string) error

	CountActiveTasks(ctx context.Context) (int64, error)
	CountPendingTasks(ctx context.Context) (int64, error)

	// MarkActiveTasksFailed is the crash-recovery sweep: every
	// non-terminal task is flipped to FAILED, used at startup after an
	// ungraceful shutdown.
	MarkActiveTasksFailed(ctx context.Context) (int64, error)

	// FindByFlow looks up a client's most recent non-deleted task with
	// the given flow fingerprint, for duplicate-submission detection.
	FindByFlow(ctx context.Context, clientID, flowID string) (*model.Task, error)

	Close() error
}
