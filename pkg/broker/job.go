// Package broker implements the queueing fabric: priority
// dispatch of admitted tasks to runners, delayed retry with backoff, a
// dead-letter queue for exhausted retries, and queue-depth inspection.
// It generalizes a plain {Type,Payload} queue client to carry the
// orchestration subsystem's own Job envelope.
package broker

import "time"

// Priority is a three-tier scheme; the orchestration subsystem only
// ever enqueues at Default today, but High/Low are kept so an operator
// can promote a client's tasks without a broker change.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityDefault
	PriorityHigh
)

// Job is what the broker moves between queues: just enough for the
// Runner to stage and execute a task without a store round-trip on the
// hot path. Results/status flow back over pkg/iostream and pkg/watcher,
// not through the job envelope.
type Job struct {
	TaskID       string            `json:"task_id"`
	ClientID     string            `json:"client_id"`
	FlowPath     string            `json:"flow_path"`
	InputTimeout int               `json:"input_timeout"`
	EnvVars      map[string]string `json:"env_vars,omitempty"`
	Priority     Priority          `json:"priority"`
	RetryCount   int               `json:"retry_count"`
	CreatedAt    time.Time         `json:"created_at"`
}
