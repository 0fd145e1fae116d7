package broker

import "context"

// Handle identifies a dequeued Job for the later Ack/Complete/Retry/Fail
// call. Redis-backed brokers use the raw serialized job payload, so the
// exact bytes can be LRem'd back out of the processing queue; an
// in-memory broker can use anything unique.
type Handle string

// Broker is the capability the Dispatcher and Runner depend on. A Redis
// implementation is wired in production; an in-memory implementation
// backs the "smoke mode" trigger path (SPEC_FULL.md §6.4) so a single
// process can exercise the full task lifecycle without Redis running.
type Broker interface {
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks (bounded by ctx) across priority queues, highest
	// first, and returns the next Job plus a Handle identifying it in
	// the processing set. Once ctx is done it returns ctx's error (or
	// the Redis client's context error); RedisBroker returns ErrEmpty
	// when every queue's wait window passes with nothing available.
	Dequeue(ctx context.Context) (Job, Handle, error)

	Ack(ctx context.Context, h Handle) error
	Complete(ctx context.Context, h Handle) error
	Retry(ctx context.Context, job Job, h Handle) error
	Fail(ctx context.Context, job Job, h Handle) error

	// QueueDepths reports the size of every named queue, for the stats
	// surface and the queue-depth metric.
	QueueDepths(ctx context.Context) (map[string]int64, error)

	// Allow applies a token-bucket rate limit keyed by key, refilling
	// at limit tokens/sec up to burst capacity.
	Allow(ctx context.Context, key string, limit, burst int) (bool, error)

	// StartScheduler runs the delayed-queue promoter until ctx is
	// cancelled; callers run it in its own goroutine.
	StartScheduler(ctx context.Context)
}

// ErrEmpty is returned by Dequeue when no job was available.
var ErrEmpty = errEmpty{}

type errEmpty struct{}

func (errEmpty) Error() string { return "broker: no job available" }
