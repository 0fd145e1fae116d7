// Package runner implements the task runner: the worker pool that
// dequeues admitted jobs, stages a scratch execution environment,
// spawns the task's app as a subprocess in its own process group, and
// supervises it to a terminal outcome.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waldiez/runner/pkg/apperr"
	"github.com/waldiez/runner/pkg/broker"
	"github.com/waldiez/runner/pkg/logger"
	"github.com/waldiez/runner/pkg/metrics"
	"github.com/waldiez/runner/pkg/model"
	"github.com/waldiez/runner/pkg/storage"
	"github.com/waldiez/runner/pkg/store"
	"github.com/waldiez/runner/pkg/watcher"
)

// Pool runs N worker goroutines, each pulling jobs off Broker and
// executing them end to end.
type Pool struct {
	Broker   broker.Broker
	Store    store.Store
	Storage  storage.Backend
	Redis    *redis.Client // dedicated to the watcher's status subscription, never pooled with app traffic
	RedisURL string        // passed to the child process so it can open its own iostream.Stream

	EnvBuilder    EnvBuilder
	AppSkeleton   string // directory copied into every job's app/ dir
	ScratchRoot   string
	MaxConcurrent int
	MaxDuration   time.Duration
	KeepForDays   int

	// RateLimitPerSec gates dequeued jobs through Broker.Allow, keyed
	// per job.ClientID, before they're handed to execute; 0 disables
	// the gate. RateLimitBurst defaults to RateLimitPerSec when unset.
	RateLimitPerSec int
	RateLimitBurst  int
}

func (p *Pool) rateLimitBurst() int {
	if p.RateLimitBurst > 0 {
		return p.RateLimitBurst
	}
	return p.RateLimitPerSec
}

// Run starts p.MaxConcurrent worker goroutines and blocks until ctx is
// cancelled, waiting for in-flight jobs to finish before returning.
func (p *Pool) Run(ctx context.Context) {
	n := p.MaxConcurrent
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	log := logger.Component("runner").With().Int("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		job, handle, err := p.Broker.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Warn().Err(err).Msg("dequeue failed")
			continue
		}
		metrics.QueueLatency.WithLabelValues(filepath.Base(job.FlowPath)).Observe(time.Since(job.CreatedAt).Seconds())

		if p.RateLimitPerSec > 0 {
			allowed, allowErr := p.Broker.Allow(ctx, "ratelimit:"+job.ClientID, p.RateLimitPerSec, p.rateLimitBurst())
			if allowErr != nil {
				log.Warn().Str("task_id", job.TaskID).Err(allowErr).Msg("rate limit check failed, running anyway")
			} else if !allowed {
				if retryErr := p.Broker.Retry(ctx, job, handle); retryErr != nil {
					_ = p.Broker.Fail(ctx, job, handle)
				}
				continue
			}
		}

		if err := p.execute(ctx, job); err != nil {
			log.Warn().Str("task_id", job.TaskID).Err(err).Msg("job execution failed")
			if retryErr := p.Broker.Retry(ctx, job, handle); retryErr != nil {
				_ = p.Broker.Fail(ctx, job, handle)
			}
			continue
		}
		if err := p.Broker.Complete(ctx, handle); err != nil {
			log.Warn().Str("task_id", job.TaskID).Err(err).Msg("ack complete failed")
		}
	}
}

// execute runs steps 1-9 of the task lifecycle for one job: stage a
// scratch tree, build the Python env (or skip it), spawn the app,
// supervise it concurrently against the status watcher and a duration
// cap, classify the outcome, persist it, archive results, and clean up
// scratch. The only error returned here is a failure to persist the
// initial RUNNING status; every later failure (scratch setup included)
// is persisted to the Store as the task's terminal outcome and never
// surfaced as a Go error to the broker.
func (p *Pool) execute(ctx context.Context, job broker.Job) error {
	log := logger.ForTask(job.TaskID)
	started := time.Now()

	if err := p.Store.UpdateTaskStatus(ctx, job.TaskID, model.StatusUpdate{Status: model.StatusRunning, SkipResults: true}); err != nil {
		return err
	}

	sc, err := newScratch(p.ScratchRoot, job.ClientID, job.TaskID)
	if err != nil {
		p.finish(ctx, job, model.StatusFailed, mustJSON(map[string]string{"error": err.Error()}))
		recordOutcome(job, model.StatusFailed, started)
		return nil
	}
	defer func() {
		if rmErr := sc.cleanup(); rmErr != nil {
			log.Warn().Err(rmErr).Msg("scratch cleanup failed")
		}
	}()

	if err := copyAppSkeleton(p.AppSkeleton, sc.appDir); err != nil {
		p.finish(ctx, job, model.StatusFailed, mustJSON(map[string]string{"error": err.Error()}))
		recordOutcome(job, model.StatusFailed, started)
		return nil
	}

	filename := filepath.Base(job.FlowPath)
	stagedFile, err := stagePayload(ctx, p.Storage, job.FlowPath, filename, sc.appDir)
	if err != nil {
		p.finish(ctx, job, model.StatusFailed, mustJSON(map[string]string{"error": err.Error()}))
		recordOutcome(job, model.StatusFailed, started)
		return nil
	}

	pythonExec, err := p.EnvBuilder.Build(ctx, sc.venvDir, sc.appDir)
	if err != nil {
		p.finish(ctx, job, model.StatusFailed, mustJSON(map[string]string{"error": err.Error()}))
		recordOutcome(job, model.StatusFailed, started)
		return nil
	}

	exitCode, watcherKilled, timedOut, err := p.spawnAndSupervise(ctx, job, pythonExec, sc.appDir, stagedFile)
	if err != nil {
		p.finish(ctx, job, model.StatusFailed, mustJSON(map[string]string{"error": err.Error()}))
		recordOutcome(job, model.StatusFailed, started)
		return nil
	}

	if watcherKilled {
		// The watcher already persisted CANCELLED (with its own
		// results payload) and killed the process before this select
		// even observed its exit; the raw exit code that produced is
		// an artifact of the kill signal, not new information, so
		// nothing further needs writing.
		recordOutcome(job, model.StatusCancelled, started)
		return nil
	}

	if timedOut {
		// Nobody has persisted a terminal status for this path: the
		// watcher's context was cancelled alongside the kill, so it
		// returns via ctx.Done() without writing anything. The runner
		// owns recording the timeout as the terminal outcome itself.
		p.finish(ctx, job, model.StatusCancelled, mustJSON(map[string]string{"error": "task exceeded its maximum duration"}))
		recordOutcome(job, model.StatusCancelled, started)
		return nil
	}

	status, results := classifyExitCode(exitCode)
	if p.KeepForDays > 0 && status == model.StatusCompleted {
		if archErr := archiveResults(ctx, p.Storage, sc.appDir, job.ClientID, job.TaskID); archErr != nil {
			log.Warn().Err(archErr).Msg("archive results failed")
		}
	}

	p.finish(ctx, job, status, results)
	recordOutcome(job, status, started)
	return nil
}

// spawnAndSupervise spawns the shim (or task-declared interpreter) as
// a new process group and races its exit against the status watcher
// and the duration cap: exactly one of three signals ends the select -
// child exit, watcher-initiated termination, or timeout. watcherKilled
// and timedOut are mutually exclusive: watcherKilled means the watcher
// already persisted a terminal status (CANCELLED, with its own results
// payload) before killing the child, so the caller must not write
// again; timedOut means the duration cap fired and nothing has been
// persisted yet, so the caller still owns writing the terminal status.
func (p *Pool) spawnAndSupervise(ctx context.Context, job broker.Job, pythonExec, appDir, flowFile string) (exitCode int, watcherKilled, timedOut bool, err error) {
	args := []string{
		"--task-id", job.TaskID,
		"--redis-url", p.RedisURL,
		"--input-timeout", strconv.Itoa(job.InputTimeout),
		flowFile,
	}
	cmd := exec.Command(pythonExec, args...)
	cmd.Dir = appDir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	for k, v := range job.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, false, false, apperr.Wrap(apperr.KindChildSetup, "spawn task process", err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	watchDone := make(chan bool, 1)
	go func() {
		watchDone <- watcher.Watch(watchCtx, p.Redis, job.TaskID, cmd.Process.Pid, p.Store)
	}()

	var timer *time.Timer
	var timerC <-chan time.Time
	if p.MaxDuration > 0 {
		timer = time.NewTimer(p.MaxDuration)
		timerC = timer.C
		defer timer.Stop()
	}

	select {
	case waitErr := <-exited:
		cancelWatch()
		<-watchDone
		return exitStatusCode(waitErr), false, false, nil

	case terminatedByWatcher := <-watchDone:
		waitErr := <-exited
		return exitStatusCode(waitErr), terminatedByWatcher, false, nil

	case <-timerC:
		terminateProcessGroup(cmd.Process.Pid)
		waitErr := <-exited
		cancelWatch()
		<-watchDone
		return exitStatusCode(waitErr), false, true, nil
	}
}

func exitStatusCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

// terminateProcessGroup sends SIGTERM, then SIGKILL after 5s if the
// group hasn't exited, matching the watcher's own termination policy
// (kept here too since the duration-cap path doesn't go through the
// watcher).
func terminateProcessGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	time.Sleep(5 * time.Second)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func (p *Pool) finish(ctx context.Context, job broker.Job, status model.TaskStatus, results json.RawMessage) {
	err := p.Store.UpdateTaskStatus(ctx, job.TaskID, model.StatusUpdate{Status: status, Results: results})
	if err != nil {
		logger.ForTask(job.TaskID).Warn().Err(err).Msg("failed to persist terminal status")
	}
}

// recordOutcome updates the processed-count and duration metrics for a
// job that reached a terminal status. Watcher-killed jobs are recorded
// as CANCELLED, the status the watcher itself persisted.
func recordOutcome(job broker.Job, status model.TaskStatus, started time.Time) {
	flow := filepath.Base(job.FlowPath)
	metrics.TasksProcessed.WithLabelValues(strings.ToLower(string(status)), flow).Inc()
	metrics.TaskDuration.WithLabelValues(flow).Observe(time.Since(started).Seconds())
}

