// Package main measures broker enqueue/drain throughput by pushing a
// batch of synthetic jobs straight onto the Redis broker and polling
// queue depth until a waldiez-worker fleet has drained them. It talks
// to the broker only, never the HTTP API, so it isolates queueing
// overhead from admission and storage staging.
//
// Usage:
//
//	go run ./cmd/waldiez-benchmark -jobs 100000 -workers 10
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/waldiez/runner/pkg/broker"
)

func main() {
	numJobs := flag.Int("jobs", 100000, "Number of jobs to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	redisURL := flag.String("redis-url", "redis://localhost:6379/0", "Redis connection URL")
	flag.Parse()

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		fmt.Printf("invalid redis url: %v\n", err)
		return
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	brk := broker.NewRedisBroker(rdb)
	ctx := context.Background()

	fmt.Printf("waldiez broker benchmark\n")
	fmt.Printf("========================\n")
	fmt.Printf("Jobs to enqueue: %d\n", *numJobs)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	jobsPerWorker := *numJobs / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < jobsPerWorker; j++ {
				job := broker.Job{
					TaskID:    uuid.New().String(),
					ClientID:  fmt.Sprintf("bench-worker-%d", workerID),
					FlowPath:  "benchmark.json",
					Priority:  broker.PriorityDefault,
					CreatedAt: time.Now(),
				}
				if err := brk.Enqueue(ctx, job); err != nil {
					fmt.Printf("enqueue error: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("enqueued %d jobs in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  throughput: %.2f jobs/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("waiting for a worker fleet to drain the queues...\n")
	startDrain := time.Now()
	for {
		depths, err := brk.QueueDepths(ctx)
		if err != nil {
			fmt.Printf("queue depth error: %v\n", err)
			return
		}
		var remaining int64
		for _, d := range depths {
			remaining += d
		}
		if remaining == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  remaining: %d jobs\n", remaining)
	}
	drainTime := time.Since(startDrain)

	fmt.Printf("\nall jobs drained in %s\n", drainTime)
	total := enqueueTime + drainTime
	fmt.Printf("total time: %s\n", total)
	fmt.Printf("overall throughput: %.2f jobs/sec\n", float64(*numJobs)/total.Seconds())
}
