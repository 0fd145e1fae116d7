// Package maintenance runs the periodic housekeeping jobs every
// deployment needs regardless of traffic: reconciling tasks the runner
// crashed mid-update, reaping inputs nobody ever answered, and trimming
// the Redis keys pkg/iostream accumulates per task. It schedules all of
// them on one cron.Cron.
package maintenance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/waldiez/runner/pkg/iostream"
	"github.com/waldiez/runner/pkg/logger"
	"github.com/waldiez/runner/pkg/model"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
)

// Default cron specs, in cron.WithSeconds' 6-field form. Tasks that
// only need to run a handful of times an hour stay coarse; the stream
// trims run more often since they're cheap and bound memory.
const (
	SpecCleanupOldTasks      = "0 0 * * * *"     // hourly
	SpecCheckStuckTasks      = "0 */5 * * * *"   // every 5 minutes
	SpecCleanupProcessedReqs = "0 */10 * * * *"  // every 10 minutes
	SpecTrimOutputStreams    = "0 */10 * * * *"  // every 10 minutes
	SpecReapWaitingForInput  = "0 */2 * * * *"   // every 2 minutes
	SpecHeartbeat            = "*/30 * * * * *"  // every 30s
)

const (
	processedRequestRetention = 24 * time.Hour
	outputStreamMaxLen        = 10_000
	scanBatchSize             = 200
	heartbeatKey              = "maintenance:heartbeat"
)

// Scheduler owns the cron instance and every collaborator its jobs
// need. Storage is optional: when nil, cleanup_old_tasks only removes
// the database row, skipping the backend folder delete (useful for a
// store-only deployment, or tests that don't stand up a backend).
type Scheduler struct {
	Store   store.Store
	Redis   *redis.Client
	Storage storage.Backend

	KeepTasksFor time.Duration

	cron *cron.Cron
}

// New builds a Scheduler. keepTasksFor bounds how long a soft-deleted
// task's row and payload survive before cleanup_old_tasks purges them;
// zero disables that job entirely (nothing to reclaim on-demand-only
// deployments care to age out).
func New(st store.Store, rdb *redis.Client, backend storage.Backend, keepTasksFor time.Duration) *Scheduler {
	return &Scheduler{
		Store:        st,
		Redis:        rdb,
		Storage:      backend,
		KeepTasksFor: keepTasksFor,
		cron:         cron.New(cron.WithSeconds()),
	}
}

// Start registers every job and starts the cron scheduler's own
// goroutine. Safe to call once; call Stop to shut down cleanly.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		spec string
		fn   func(context.Context)
	}{
		{SpecCleanupOldTasks, s.cleanupOldTasks},
		{SpecCheckStuckTasks, s.checkStuckTasks},
		{SpecCleanupProcessedReqs, s.cleanupProcessedRequests},
		{SpecTrimOutputStreams, s.trimOldStreamEntries},
		{SpecReapWaitingForInput, s.reapWaitingForInput},
		{SpecHeartbeat, s.heartbeat},
	}
	for _, j := range jobs {
		fn := j.fn
		if _, err := s.cron.AddFunc(j.spec, func() { fn(ctx) }); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for any job currently running to
// finish, per cron.Cron's own semantics.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) cleanupOldTasks(ctx context.Context) {
	log := logger.Component("maintenance")
	if s.KeepTasksFor <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.KeepTasksFor)

	p := store.PageParams{Page: 1, Size: 100}
	for {
		page, err := s.Store.ListTasksToDelete(ctx, cutoff, p)
		if err != nil {
			log.Warn().Err(err).Msg("cleanup_old_tasks: list failed")
			return
		}
		if len(page.Items) == 0 {
			return
		}
		for _, task := range page.Items {
			if s.Storage != nil {
				folder := task.ClientID + "/" + task.ID
				if err := s.Storage.DeleteFolder(ctx, folder); err != nil {
					log.Warn().Str("task_id", task.ID).Err(err).Msg("cleanup_old_tasks: delete folder failed")
				}
			}
			if err := s.Store.DeleteTask(ctx, task.ID); err != nil {
				log.Warn().Str("task_id", task.ID).Err(err).Msg("cleanup_old_tasks: delete row failed")
			}
		}
		if len(page.Items) < p.Size {
			return
		}
		p.Page++
	}
}

// checkStuckTasks finalizes tasks the runner wrote terminal results
// for but crashed before flipping status on — the stuck state
// model.Task.IsStuck documents. It leaves Results untouched
// (SkipResults) and derives the status purely from what's already on
// disk and in the row: no results, or a results object carrying an
// "error" key, means FAILED; otherwise the backend's own file listing
// for the task directory is the tie-breaker, since an empty output
// directory after a crash is itself a sign the run never finished.
func (s *Scheduler) checkStuckTasks(ctx context.Context) {
	log := logger.Component("maintenance")
	p := store.PageParams{Page: 1, Size: 100}
	for {
		page, err := s.Store.ListStuckTasks(ctx, p)
		if err != nil {
			log.Warn().Err(err).Msg("check_stuck_tasks: list failed")
			return
		}
		if len(page.Items) == 0 {
			return
		}
		for _, task := range page.Items {
			status := s.resolveStuckStatus(ctx, task)
			update := model.StatusUpdate{Status: status, SkipResults: true}
			if err := s.Store.UpdateTaskStatus(ctx, task.ID, update); err != nil {
				log.Warn().Str("task_id", task.ID).Err(err).Msg("check_stuck_tasks: reconcile failed")
			}
		}
		if len(page.Items) < p.Size {
			return
		}
		p.Page++
	}
}

func (s *Scheduler) resolveStuckStatus(ctx context.Context, task model.Task) model.TaskStatus {
	if len(task.Results) == 0 {
		return model.StatusFailed
	}
	var probe map[string]any
	if json.Unmarshal(task.Results, &probe) == nil {
		if _, hasError := probe["error"]; hasError {
			return model.StatusFailed
		}
	}
	if s.Storage == nil {
		return model.StatusCompleted
	}
	files, err := s.Storage.ListFiles(ctx, task.ClientID+"/"+task.ID)
	if err != nil {
		logger.Component("maintenance").Warn().Str("task_id", task.ID).Err(err).Msg("check_stuck_tasks: list files failed")
		return model.StatusFailed
	}
	if len(files) == 0 {
		return model.StatusFailed
	}
	return model.StatusCompleted
}

func (s *Scheduler) cleanupProcessedRequests(ctx context.Context) {
	if err := iostream.CleanupProcessedRequests(ctx, s.Redis, processedRequestRetention, scanBatchSize); err != nil {
		logger.Component("maintenance").Warn().Err(err).Msg("cleanup_processed_requests failed")
	}
}

func (s *Scheduler) trimOldStreamEntries(ctx context.Context) {
	if err := iostream.TrimTaskOutputStreams(ctx, s.Redis, outputStreamMaxLen, scanBatchSize); err != nil {
		logger.Component("maintenance").Warn().Err(err).Msg("trim_old_stream_entries failed")
	}
}

func (s *Scheduler) reapWaitingForInput(ctx context.Context) {
	log := logger.Component("maintenance")
	n, err := s.Store.UpdateStaleWaitingForInput(ctx, time.Now().Add(-s.inputReapWindow()))
	if err != nil {
		log.Warn().Err(err).Msg("reap_waiting_for_input failed")
		return
	}
	if n > 0 {
		log.Warn().Int64("count", n).Msg("reap_waiting_for_input: failed stale tasks")
	}
}

// inputReapWindow is intentionally independent of KeepTasksFor: a task
// can be configured with its own, much shorter, per-submission input
// timeout (pkg/iostream's RequestInput), but a task that never got a
// WAITING_FOR_INPUT resolution at all still needs a backstop so it
// doesn't sit active forever if the runner supervising it died. 24h
// matches the abandoned-input reap threshold.
func (s *Scheduler) inputReapWindow() time.Duration {
	return 24 * time.Hour
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	if err := s.Redis.Set(ctx, heartbeatKey, time.Now().UTC().Format(time.RFC3339), time.Hour).Err(); err != nil {
		logger.Component("maintenance").Warn().Err(err).Msg("heartbeat failed")
	}
}
