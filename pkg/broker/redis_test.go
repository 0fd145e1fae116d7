package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisBroker(rdb)
}

func TestRedisBrokerPriorityDequeue(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx := context.Background()

	low := Job{TaskID: "low", Priority: PriorityLow}
	high := Job{TaskID: "high", Priority: PriorityHigh}
	if err := b.Enqueue(ctx, low); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if err := b.Enqueue(ctx, high); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	job, _, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job.TaskID != "high" {
		t.Errorf("expected high priority job first, got %q", job.TaskID)
	}
}

func TestRedisBrokerAckRemovesFromProcessing(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx := context.Background()

	if err := b.Enqueue(ctx, Job{TaskID: "t1", Priority: PriorityDefault}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := b.Ack(ctx, h); err != nil {
		t.Fatalf("ack: %v", err)
	}
	depths, err := b.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths["processing_queue"] != 0 {
		t.Errorf("expected empty processing queue after ack, got %d", depths["processing_queue"])
	}
}

func TestRedisBrokerRetrySchedulesDelayed(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx := context.Background()

	job := Job{TaskID: "t1", Priority: PriorityDefault}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, h, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := b.Retry(ctx, job, h); err != nil {
		t.Fatalf("retry: %v", err)
	}
	depths, err := b.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths["delayed_queue"] != 1 {
		t.Errorf("expected one delayed entry, got %d", depths["delayed_queue"])
	}
}

func TestRedisBrokerAllowTokenBucket(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 5; i++ {
		ok, err := b.Allow(ctx, "client:a", 1, 2)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if ok {
			allowed++
		}
	}
	if allowed == 0 || allowed == 5 {
		t.Errorf("expected token bucket to allow some but not all bursts, allowed=%d", allowed)
	}
}

func TestRedisBrokerDequeueEmptyReturnsError(t *testing.T) {
	b := newTestRedisBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := b.Dequeue(ctx)
	if err == nil {
		t.Fatalf("expected an error on empty queues")
	}
}
