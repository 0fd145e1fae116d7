// Package dispatcher implements the job dispatcher: the component that
// turns an admitted submission into a running task. It owns the three
// writes that must agree with each other (task row, payload location,
// broker job) and rolls every prior write back if a later one fails,
// so a crash or broker outage never leaves an orphaned file or a task
// stuck at PENDING with no job behind it.
package dispatcher

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waldiez/runner/pkg/admission"
	"github.com/waldiez/runner/pkg/apperr"
	"github.com/waldiez/runner/pkg/broker"
	"github.com/waldiez/runner/pkg/iostream"
	"github.com/waldiez/runner/pkg/logger"
	"github.com/waldiez/runner/pkg/model"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
)

// MaxEnqueueRetries bounds how many enqueue attempts Trigger makes in
// total before giving up and rolling back.
const MaxEnqueueRetries = 3

// Dispatcher wires the store, storage, and broker together. Broker is
// an interface, so the same Dispatcher code runs against RedisBroker in
// production or broker.InMemory in "smoke mode" — nothing in Trigger
// or Cancel cares which.
type Dispatcher struct {
	Store   store.Store
	Storage storage.Backend
	Broker  broker.Broker

	// StatusRedis publishes the CANCELLED status transition Cancel
	// sends; it's a plain *redis.Client rather than going through
	// Broker because cancellation is a pub/sub notification to a
	// running task, not a queue operation.
	StatusRedis *redis.Client
}

// New builds a Dispatcher from its three collaborators plus the Redis
// client Cancel publishes through.
func New(st store.Store, backend storage.Backend, brk broker.Broker, statusRedis *redis.Client) *Dispatcher {
	return &Dispatcher{Store: st, Storage: backend, Broker: brk, StatusRedis: statusRedis}
}

// Trigger creates the task row, moves the admitted payload from its
// staging location to "<clientID>/<taskID>/<filename>", and enqueues
// the job. Enqueue is attempted up to MaxEnqueueRetries times with a
// short linear backoff between attempts; if it still fails, the payload and the task
// row are both removed so no trace of the submission survives.
func (d *Dispatcher) Trigger(ctx context.Context, clientID string, admitted admission.Result, scheduleType model.ScheduleType, inputTimeout int) (model.Task, error) {
	log := logger.Component("dispatcher")

	task, err := d.Store.CreateTask(ctx, model.TaskCreate{
		ClientID:     clientID,
		FlowID:       admitted.FlowID,
		Filename:     admitted.Filename,
		InputTimeout: inputTimeout,
		ScheduleType: scheduleType,
	})
	if err != nil {
		return model.Task{}, apperr.Wrap(apperr.KindStorage, "create task row", err)
	}

	finalPath := path.Join(clientID, task.ID, admitted.Filename)
	if err := d.Storage.Move(ctx, admitted.SavedPath, finalPath); err != nil {
		if delErr := d.Store.DeleteTask(ctx, task.ID); delErr != nil {
			log.Warn().Str("task_id", task.ID).Err(delErr).Msg("rollback: delete task row after failed payload move")
		}
		return model.Task{}, apperr.Wrap(apperr.KindStorage, "move payload to task directory", err)
	}

	job := broker.Job{
		TaskID:       task.ID,
		ClientID:     clientID,
		FlowPath:     finalPath,
		InputTimeout: inputTimeout,
		EnvVars:      admitted.EnvVars,
		Priority:     broker.PriorityDefault,
		CreatedAt:    task.CreatedAt,
	}

	var enqueueErr error
	for attempt := 0; attempt < MaxEnqueueRetries; attempt++ {
		if enqueueErr = d.Broker.Enqueue(ctx, job); enqueueErr == nil {
			return task, nil
		}
		log.Warn().Str("task_id", task.ID).Int("attempt", attempt+1).Err(enqueueErr).Msg("enqueue failed, retrying")
		select {
		case <-ctx.Done():
			enqueueErr = ctx.Err()
			attempt = MaxEnqueueRetries
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}

	if delErr := d.Storage.DeleteFile(ctx, finalPath); delErr != nil {
		log.Warn().Str("task_id", task.ID).Err(delErr).Msg("rollback: delete payload after exhausted enqueue retries")
	}
	if delErr := d.Store.DeleteTask(ctx, task.ID); delErr != nil {
		log.Warn().Str("task_id", task.ID).Err(delErr).Msg("rollback: delete task row after exhausted enqueue retries")
	}
	return model.Task{}, apperr.Wrap(apperr.KindBroker, "enqueue task after exhausting retries", enqueueErr)
}

// Cancel publishes a CANCELLED transition on the task's status channel
// — the same channel the watcher subscribes to, so an already-running
// task is torn down exactly like a self-reported CANCELLED status —
// and synchronously marks the task CANCELLED in the store regardless
// of whether a watcher is currently listening (e.g. the task is still
// PENDING and has no runner attached yet).
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	msg := iostream.StatusMessage{
		Status: "CANCELLED",
		Data:   map[string]string{"error": "cancelled by request"},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return apperr.Wrap(apperr.KindUnknown, "encode cancellation message", err)
	}
	if err := d.StatusRedis.Publish(ctx, iostream.StatusChannel(taskID), payload).Err(); err != nil {
		return apperr.Wrap(apperr.KindBroker, "publish cancellation", err)
	}

	results, _ := json.Marshal(map[string]string{"error": "cancelled by request"})
	if err := d.Store.UpdateTaskStatus(ctx, taskID, model.StatusUpdate{
		Status:  model.StatusCancelled,
		Results: results,
	}); err != nil {
		return apperr.Wrap(apperr.KindStorage, "persist cancellation", err)
	}
	return nil
}
