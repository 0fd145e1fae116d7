package broker

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemory is a Broker backed by in-process queues, for the
// "trigger"/smoke-mode execution path (SPEC_FULL.md §4.9) where a
// single process runs admission, dispatch, and the runner without a
// Redis dependency. It honors the same priority ordering and delayed
// retry semantics as RedisBroker, just without durability across
// restarts.
type InMemory struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queues     map[Priority]*list.List
	processing map[Handle]Job
	delayed    []delayedEntry
	buckets    map[string]*bucket
	seq        uint64
}

type delayedEntry struct {
	at  time.Time
	job Job
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewInMemory constructs an empty InMemory broker.
func NewInMemory() *InMemory {
	m := &InMemory{
		queues: map[Priority]*list.List{
			PriorityHigh:    list.New(),
			PriorityDefault: list.New(),
			PriorityLow:     list.New(),
		},
		processing: make(map[Handle]Job),
		buckets:    make(map[string]*bucket),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *InMemory) Enqueue(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[job.Priority].PushBack(job)
	m.cond.Broadcast()
	return nil
}

func (m *InMemory) nextHandle() Handle {
	m.seq++
	return Handle(fmt.Sprintf("job-%d", m.seq))
}

// Dequeue blocks until a job is available or ctx is done, checking
// High, Default, Low in order each time it wakes.
func (m *InMemory) Dequeue(ctx context.Context) (Job, Handle, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for _, p := range []Priority{PriorityHigh, PriorityDefault, PriorityLow} {
			q := m.queues[p]
			if front := q.Front(); front != nil {
				job := q.Remove(front).(Job)
				h := m.nextHandle()
				m.processing[h] = job
				return job, h, nil
			}
		}
		if ctx.Err() != nil {
			return Job{}, "", ctx.Err()
		}
		m.cond.Wait()
	}
}

func (m *InMemory) Ack(_ context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, h)
	return nil
}

func (m *InMemory) Complete(ctx context.Context, h Handle) error {
	return m.Ack(ctx, h)
}

func (m *InMemory) Retry(_ context.Context, job Job, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, h)
	job.RetryCount++
	backoff := time.Duration(1<<job.RetryCount) * 100 * time.Millisecond
	m.delayed = append(m.delayed, delayedEntry{at: time.Now().Add(backoff), job: job})
	return nil
}

func (m *InMemory) Fail(_ context.Context, _ Job, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, h)
	return nil
}

func (m *InMemory) QueueDepths(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"queue:high":       int64(m.queues[PriorityHigh].Len()),
		"queue:default":    int64(m.queues[PriorityDefault].Len()),
		"queue:low":        int64(m.queues[PriorityLow].Len()),
		"processing_queue": int64(len(m.processing)),
		"delayed_queue":    int64(len(m.delayed)),
	}, nil
}

func (m *InMemory) Allow(_ context.Context, key string, limit, burst int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(burst), lastRefill: now}
		m.buckets[key] = b
	}
	delta := now.Sub(b.lastRefill).Seconds()
	if delta < 0 {
		delta = 0
	}
	newTokens := b.tokens + delta*float64(limit)
	if newTokens > float64(burst) {
		newTokens = float64(burst)
	}
	b.lastRefill = now
	if newTokens >= 1 {
		b.tokens = newTokens - 1
		return true, nil
	}
	b.tokens = newTokens
	return false, nil
}

// StartScheduler promotes delayed entries whose time has arrived onto
// queue:default every 100ms, until ctx is cancelled.
func (m *InMemory) StartScheduler(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.promoteDue()
		}
	}
}

func (m *InMemory) promoteDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	remaining := m.delayed[:0]
	for _, e := range m.delayed {
		if now.After(e.at) || now.Equal(e.at) {
			m.queues[PriorityDefault].PushBack(e.job)
		} else {
			remaining = append(remaining, e)
		}
	}
	m.delayed = remaining
	m.cond.Broadcast()
}

var _ Broker = (*InMemory)(nil)
