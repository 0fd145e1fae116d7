// Package metrics defines the Prometheus instrumentation for task
// processing: counters and histograms runner.Pool updates as it works
// through jobs, plus a periodic queue-depth collector any long-running
// process can start alongside its own /metrics handler.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/waldiez/runner/pkg/broker"
	"github.com/waldiez/runner/pkg/logger"
)

var (
	// TasksProcessed tracks the total number of tasks that reached a
	// terminal outcome, by status and flow filename.
	//
	//   status: "completed", "failed", or "cancelled"
	//   flow: the task's source filename
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waldiez_tasks_processed_total",
		Help: "The total number of tasks that reached a terminal status",
	}, []string{"status", "flow"})

	// TaskDuration tracks end-to-end execution latency in seconds, from
	// RUNNING to terminal, used to compute p50/p95/p99 in a dashboard.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "waldiez_task_duration_seconds",
		Help:    "Duration of task execution, from RUNNING to terminal",
		Buckets: prometheus.DefBuckets,
	}, []string{"flow"})

	// QueueDepth tracks the number of jobs waiting in each priority
	// queue. Updated periodically by CollectQueueDepth, not on every
	// enqueue/dequeue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "waldiez_queue_depth",
		Help: "Number of jobs waiting in each priority queue",
	}, []string{"queue"})

	// QueueLatency tracks how long a job sat in the broker before a
	// runner dequeued it (time.Now() - job.CreatedAt at dequeue time).
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "waldiez_queue_latency_seconds",
		Help:    "Time a job spent queued before a runner picked it up",
		Buckets: prometheus.DefBuckets,
	}, []string{"flow"})
)

// CollectQueueDepth polls brk.QueueDepths every interval and updates
// QueueDepth until ctx is cancelled. Meant to run in its own goroutine
// alongside a Pool's Run.
func CollectQueueDepth(ctx context.Context, brk broker.Broker, interval time.Duration) {
	log := logger.Component("metrics")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := brk.QueueDepths(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("collect queue depths failed")
				continue
			}
			for queue, depth := range depths {
				QueueDepth.WithLabelValues(queue).Set(float64(depth))
			}
		}
	}
}
