package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver

	"github.com/waldiez/runner/pkg/apperr"
	"github.com/waldiez/runner/pkg/model"
)

// SQLStore is the sqlx-backed Store, expressed as plain parameterized
// SQL instead of an ORM. It works unmodified against either PostgreSQL
// (via jackc/pgx's database/sql driver) or SQLite (via the pure-Go
// modernc.org/sqlite driver), selected by the DSN's scheme.
type SQLStore struct {
	db      *sqlx.DB
	dialect string // "postgres" or "sqlite3", goose's naming
}

// Open connects to dsn, picking the driver by scheme:
// "postgres://"/"postgresql://" use pgx; anything else is treated as a
// SQLite file path. It runs embedded migrations before returning.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	driverName := "sqlite"
	dialect := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driverName = "pgx"
		dialect = "postgres"
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "open database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "ping database", err)
	}
	if dialect == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "enable foreign keys", err)
		}
	}
	if err := Migrate(db.DB, dialect); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) rebind(query string) string { return s.db.Rebind(query) }

// taskRow mirrors the tasks table exactly, using sql.Null* wrappers so
// NULL columns scan cleanly; toModel/fromModel translate to and from
// model.Task's pointer-based representation.
type taskRow struct {
	ID              string         `db:"id"`
	ClientID        string         `db:"client_id"`
	FlowID          string         `db:"flow_id"`
	Filename        string         `db:"filename"`
	InputTimeout    int            `db:"input_timeout"`
	ScheduleType    string         `db:"schedule_type"`
	ScheduledTime   sql.NullTime   `db:"scheduled_time"`
	CronExpression  sql.NullString `db:"cron_expression"`
	ExpiresAt       sql.NullTime   `db:"expires_at"`
	TriggeredAt     sql.NullTime   `db:"triggered_at"`
	Status          string         `db:"status"`
	InputRequestID  sql.NullString `db:"input_request_id"`
	Results         []byte         `db:"results"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	DeletedAt       sql.NullTime   `db:"deleted_at"`
}

func nullTimePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullStringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func timeToNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func stringToNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (r taskRow) toModel() model.Task {
	t := model.Task{
		ID:             r.ID,
		ClientID:       r.ClientID,
		FlowID:         r.FlowID,
		Filename:       r.Filename,
		InputTimeout:   r.InputTimeout,
		ScheduleType:   model.ScheduleType(r.ScheduleType),
		ScheduledTime:  nullTimePtr(r.ScheduledTime),
		CronExpression: nullStringPtr(r.CronExpression),
		ExpiresAt:      nullTimePtr(r.ExpiresAt),
		TriggeredAt:    nullTimePtr(r.TriggeredAt),
		Status:         model.TaskStatus(r.Status),
		InputRequestID: nullStringPtr(r.InputRequestID),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		DeletedAt:      nullTimePtr(r.DeletedAt),
	}
	if len(r.Results) > 0 {
		t.Results = json.RawMessage(r.Results)
	}
	return t
}

const taskColumns = `id, client_id, flow_id, filename, input_timeout, schedule_type,
	scheduled_time, cron_expression, expires_at, triggered_at, status,
	input_request_id, results, created_at, updated_at, deleted_at`

func (s *SQLStore) CreateTask(ctx context.Context, in model.TaskCreate) (model.Task, error) {
	now := time.Now().UTC()
	row := taskRow{
		ID:             uuid.NewString(),
		ClientID:       in.ClientID,
		FlowID:         in.FlowID,
		Filename:       in.Filename,
		InputTimeout:   in.InputTimeout,
		ScheduleType:   string(in.ScheduleType),
		ScheduledTime:  timeToNull(in.ScheduledTime),
		CronExpression: stringToNull(in.CronExpression),
		ExpiresAt:      timeToNull(in.ExpiresAt),
		Status:         string(model.StatusPending),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	query := s.rebind(`INSERT INTO tasks (` + taskColumns + `) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.ClientID, row.FlowID, row.Filename, row.InputTimeout, row.ScheduleType,
		row.ScheduledTime, row.CronExpression, row.ExpiresAt, row.TriggeredAt, row.Status,
		row.InputRequestID, row.Results, row.CreatedAt, row.UpdatedAt, row.DeletedAt,
	)
	if err != nil {
		return model.Task{}, apperr.Wrap(apperr.KindStorage, "insert task", err)
	}
	return row.toModel(), nil
}

func (s *SQLStore) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ? AND deleted_at IS NULL`)
	var row taskRow
	err := s.db.GetContext(ctx, &row, query, taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "get task", err)
	}
	t := row.toModel()
	return &t, nil
}

func (s *SQLStore) FindByFlow(ctx context.Context, clientID, flowID string) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks
		WHERE client_id = ? AND flow_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT 1`)
	var row taskRow
	err := s.db.GetContext(ctx, &row, query, clientID, flowID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "find task by flow", err)
	}
	t := row.toModel()
	return &t, nil
}

func (s *SQLStore) listPage(ctx context.Context, whereClause, orderBy string, args []any, p PageParams) (Page[model.Task], error) {
	p = p.Normalize()

	countQuery := s.rebind(`SELECT COUNT(*) FROM tasks WHERE ` + whereClause)
	var total int64
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return Page[model.Task]{}, apperr.Wrap(apperr.KindStorage, "count tasks", err)
	}

	listQuery := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE ` + whereClause +
		` ORDER BY ` + orderBy + ` LIMIT ? OFFSET ?`)
	listArgs := append(append([]any{}, args...), p.Size, p.offset())
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, listQuery, listArgs...); err != nil {
		return Page[model.Task]{}, apperr.Wrap(apperr.KindStorage, "list tasks", err)
	}

	items := make([]model.Task, len(rows))
	for i, r := range rows {
		items[i] = r.toModel()
	}
	return Page[model.Task]{Items: items, Total: total, Page: p.Page, Size: p.Size}, nil
}

var activeStatuses = []string{
	string(model.StatusPending), string(model.StatusRunning), string(model.StatusWaitingForInput),
}

var terminalStatuses = []string{
	string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled),
}

func (s *SQLStore) ListClientTasks(ctx context.Context, clientID string, p PageParams) (Page[model.Task], error) {
	return s.listPage(ctx, "client_id = ? AND deleted_at IS NULL", "created_at ASC", []any{clientID}, p)
}

// ListAllTasks is the admin-audience counterpart to ListClientTasks:
// every non-deleted task regardless of owner.
func (s *SQLStore) ListAllTasks(ctx context.Context, p PageParams) (Page[model.Task], error) {
	return s.listPage(ctx, "deleted_at IS NULL", "created_at ASC", nil, p)
}

func (s *SQLStore) ListActiveClientTasks(ctx context.Context, clientID string, p PageParams) (Page[model.Task], error) {
	where := fmt.Sprintf("client_id = ? AND status IN (%s) AND deleted_at IS NULL", placeholders(len(activeStatuses)))
	args := append([]any{clientID}, toAnySlice(activeStatuses)...)
	return s.listPage(ctx, where, "updated_at DESC", args, p)
}

func (s *SQLStore) ListTasksToDelete(ctx context.Context, olderThan time.Time, p PageParams) (Page[model.Task], error) {
	return s.listPage(ctx, "deleted_at IS NOT NULL AND deleted_at < ?", "created_at ASC", []any{olderThan}, p)
}

func (s *SQLStore) ListPendingTasks(ctx context.Context, p PageParams) (Page[model.Task], error) {
	return s.listPage(ctx, "status = ? AND deleted_at IS NULL", "created_at ASC", []any{string(model.StatusPending)}, p)
}

func (s *SQLStore) ListActiveTasks(ctx context.Context, p PageParams) (Page[model.Task], error) {
	where := fmt.Sprintf("status IN (%s) AND deleted_at IS NULL", placeholders(len(activeStatuses)))
	return s.listPage(ctx, where, "created_at ASC", toAnySlice(activeStatuses), p)
}

func (s *SQLStore) ListStuckTasks(ctx context.Context, p PageParams) (Page[model.Task], error) {
	where := fmt.Sprintf("status IN (%s) AND results IS NOT NULL AND deleted_at IS NULL", placeholders(len(activeStatuses)))
	return s.listPage(ctx, where, "created_at ASC", toAnySlice(activeStatuses), p)
}

func (s *SQLStore) SoftDeleteClientTasks(ctx context.Context, clientID string, inactiveOnly bool) ([]string, error) {
	now := time.Now().UTC()
	where := "client_id = ? AND deleted_at IS NULL"
	args := []any{now, clientID}
	if inactiveOnly {
		where += fmt.Sprintf(" AND status IN (%s)", placeholders(len(terminalStatuses)))
		args = append(args, toAnySlice(terminalStatuses)...)
	}

	if s.dialect == "postgres" {
		query := s.rebind(`UPDATE tasks SET deleted_at = ? WHERE ` + where + ` RETURNING id`)
		var ids []string
		if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "soft delete client tasks", err)
		}
		return ids, nil
	}

	// Select-then-update instead of relying on RETURNING, to stay
	// portable across whatever SQLite version modernc.org/sqlite bundles.
	selectQuery := s.rebind(`SELECT id FROM tasks WHERE ` + where)
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, selectQuery, args[1:]...); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "select tasks to soft delete", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}
	updateQuery := s.rebind(`UPDATE tasks SET deleted_at = ? WHERE ` + where)
	if _, err := s.db.ExecContext(ctx, updateQuery, args...); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "soft delete client tasks", err)
	}
	return ids, nil
}

// SoftDeleteTasksByIDs tombstones exactly the rows named in ids,
// restricted to ownerClientID when it's non-empty and to terminal-status
// rows when inactiveOnly is set. Mirrors SoftDeleteClientTasks' two
// dialect paths (RETURNING on Postgres, select-then-update on SQLite).
func (s *SQLStore) SoftDeleteTasksByIDs(ctx context.Context, ids []string, ownerClientID string, inactiveOnly bool) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	where := fmt.Sprintf("id IN (%s) AND deleted_at IS NULL", placeholders(len(ids)))
	args := toAnySlice(ids)
	if ownerClientID != "" {
		where += " AND client_id = ?"
		args = append(args, ownerClientID)
	}
	if inactiveOnly {
		where += fmt.Sprintf(" AND status IN (%s)", placeholders(len(terminalStatuses)))
		args = append(args, toAnySlice(terminalStatuses)...)
	}

	if s.dialect == "postgres" {
		query := s.rebind(`UPDATE tasks SET deleted_at = ? WHERE ` + where + ` RETURNING id`)
		var matched []string
		if err := s.db.SelectContext(ctx, &matched, query, append([]any{now}, args...)...); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "soft delete tasks by id", err)
		}
		return matched, nil
	}

	selectQuery := s.rebind(`SELECT id FROM tasks WHERE ` + where)
	var matched []string
	if err := s.db.SelectContext(ctx, &matched, selectQuery, args...); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "select tasks to soft delete by id", err)
	}
	if len(matched) == 0 {
		return matched, nil
	}
	updateQuery := s.rebind(`UPDATE tasks SET deleted_at = ? WHERE ` + where)
	if _, err := s.db.ExecContext(ctx, updateQuery, append([]any{now}, args...)...); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "soft delete tasks by id", err)
	}
	return matched, nil
}

// UpdateTaskStatus applies a status transition. The WHERE clause
// excludes rows already in a terminal status, so a late or racing
// write (a duration-cap timeout racing a legitimate COMPLETED
// publish, a retry colliding with an already-cancelled task) is a
// silent no-op instead of clobbering the sticky terminal outcome.
func (s *SQLStore) UpdateTaskStatus(ctx context.Context, taskID string, update model.StatusUpdate) error {
	now := time.Now().UTC()
	terminalGuard := fmt.Sprintf("status NOT IN (%s)", placeholders(len(terminalStatuses)))

	if update.SkipResults {
		query := s.rebind(`UPDATE tasks SET status = ?, input_request_id = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL AND ` + terminalGuard)
		args := append([]any{string(update.Status), stringToNull(update.InputRequestID), now, taskID}, toAnySlice(terminalStatuses)...)
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return apperr.Wrap(apperr.KindStorage, "update task status", err)
		}
		return nil
	}

	var results []byte
	if len(update.Results) > 0 {
		results = []byte(update.Results)
	}
	query := s.rebind(`UPDATE tasks SET status = ?, input_request_id = ?, results = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND ` + terminalGuard)
	args := append([]any{string(update.Status), stringToNull(update.InputRequestID), results, now, taskID}, toAnySlice(terminalStatuses)...)
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "update task status", err)
	}
	return nil
}

func (s *SQLStore) UpdateStaleWaitingForInput(ctx context.Context, olderThan time.Time) (int64, error) {
	query := s.rebind(`UPDATE tasks SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ? AND deleted_at IS NULL`)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query, string(model.StatusFailed), now, string(model.StatusWaitingForInput), olderThan)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "update stale waiting-for-input tasks", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteTask(ctx context.Context, taskID string) error {
	query := s.rebind(`DELETE FROM tasks WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, taskID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "delete task", err)
	}
	return nil
}

func (s *SQLStore) DeleteClientTasks(ctx context.Context, clientID string) error {
	query := s.rebind(`DELETE FROM tasks WHERE client_id = ?`)
	_, err := s.db.ExecContext(ctx, query, clientID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "delete client tasks", err)
	}
	return nil
}

func (s *SQLStore) DeleteClientFlowTask(ctx context.Context, clientID, flowID string) error {
	query := s.rebind(`DELETE FROM tasks WHERE client_id = ? AND flow_id = ?`)
	_, err := s.db.ExecContext(ctx, query, clientID, flowID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "delete client flow task", err)
	}
	return nil
}

func (s *SQLStore) CountActiveTasks(ctx context.Context) (int64, error) {
	query := s.rebind(fmt.Sprintf(`SELECT COUNT(*) FROM tasks WHERE status IN (%s) AND deleted_at IS NULL`,
		placeholders(len(activeStatuses))))
	var count int64
	err := s.db.GetContext(ctx, &count, query, toAnySlice(activeStatuses)...)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "count active tasks", err)
	}
	return count, nil
}

func (s *SQLStore) CountPendingTasks(ctx context.Context) (int64, error) {
	query := s.rebind(`SELECT COUNT(*) FROM tasks WHERE status = ? AND deleted_at IS NULL`)
	var count int64
	err := s.db.GetContext(ctx, &count, query, string(model.StatusPending))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "count pending tasks", err)
	}
	return count, nil
}

func (s *SQLStore) MarkActiveTasksFailed(ctx context.Context) (int64, error) {
	query := s.rebind(fmt.Sprintf(`UPDATE tasks SET status = ?, updated_at = ?
		WHERE status IN (%s) AND deleted_at IS NULL`, placeholders(len(activeStatuses))))
	args := append([]any{string(model.StatusFailed), time.Now().UTC()}, toAnySlice(activeStatuses)...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "mark active tasks failed", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ", ")
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

var _ Store = (*SQLStore)(nil)
