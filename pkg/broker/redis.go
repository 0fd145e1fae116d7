package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waldiez/runner/pkg/logger"
)

const (
	queueHigh        = "queue:high"
	queueDefault     = "queue:default"
	queueLow         = "queue:low"
	processingQueue  = "processing_queue"
	delayedQueue     = "delayed_queue"
	deadLetterQueue  = "dead_letter_queue"
	processingTimeoutPerQueue = time.Second
)

// RedisBroker is the production Broker: BLMove-based priority
// dequeue, a Lua-scripted delayed-queue promoter, and a Lua-scripted
// token-bucket limiter, moving broker.Job envelopes end to end.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker wraps an existing *redis.Client. Callers own the
// client's lifecycle (Close).
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

func queueFor(p Priority) string {
	switch p {
	case PriorityHigh:
		return queueHigh
	case PriorityLow:
		return queueLow
	default:
		return queueDefault
	}
}

func (b *RedisBroker) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.rdb.RPush(ctx, queueFor(job.Priority), data).Err()
}

// Dequeue checks queue:high, queue:default, queue:low in order, giving
// each a short BLMove window so a high-priority arrival during the low
// queue's wait doesn't get starved out.
func (b *RedisBroker) Dequeue(ctx context.Context) (Job, Handle, error) {
	queues := []string{queueHigh, queueDefault, queueLow}

	for _, q := range queues {
		raw, err := b.rdb.BLMove(ctx, q, processingQueue, "LEFT", "RIGHT", processingTimeoutPerQueue).Result()
		if err == nil {
			var job Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				return Job{}, "", err
			}
			return job, Handle(raw), nil
		}
		if !errors.Is(err, redis.Nil) {
			return Job{}, "", err
		}
		if ctx.Err() != nil {
			return Job{}, "", ctx.Err()
		}
	}
	return Job{}, "", ErrEmpty
}

func (b *RedisBroker) Ack(ctx context.Context, h Handle) error {
	return b.rdb.LRem(ctx, processingQueue, 1, string(h)).Err()
}

func (b *RedisBroker) Complete(ctx context.Context, h Handle) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, processingQueue, 1, string(h))
	pipe.RPush(ctx, "completed_queue", string(h))
	pipe.LTrim(ctx, "completed_queue", -100, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry increments job.RetryCount and schedules it on delayed_queue at
// now + 2^RetryCount*100ms, the same exponential backoff curve as the
// teacher's Client.Retry.
func (b *RedisBroker) Retry(ctx context.Context, job Job, h Handle) error {
	job.RetryCount++
	backoff := time.Duration(1<<job.RetryCount) * 100 * time.Millisecond
	processAt := time.Now().Add(backoff)

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.ZAdd(ctx, delayedQueue, redis.Z{Score: float64(processAt.UnixNano()), Member: data})
	pipe.LRem(ctx, processingQueue, 1, string(h))
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Fail(ctx context.Context, job Job, h Handle) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, deadLetterQueue, data)
	pipe.LRem(ctx, processingQueue, 1, string(h))
	_, err = pipe.Exec(ctx)
	return err
}

var delayedQueuePromoteScript = redis.NewScript(`
	local delayed_key = KEYS[1]
	local main_queue_key = KEYS[2]
	local now = tonumber(ARGV[1])

	local ready = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)
	if #ready > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
		for _, job in ipairs(ready) do
			redis.call('RPUSH', main_queue_key, job)
		end
	end
	return #ready
`)

// StartScheduler polls delayed_queue every 500ms and atomically
// promotes anything whose backoff has elapsed back onto queue:default
// (priority isn't preserved across a retry).
func (b *RedisBroker) StartScheduler(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	log := logger.Component("broker")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := float64(time.Now().UnixNano())
			_, err := delayedQueuePromoteScript.Run(ctx, b.rdb, []string{delayedQueue, queueDefault}, now).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				log.Error().Err(err).Msg("delayed queue promotion failed")
			}
		}
	}
}

func (b *RedisBroker) QueueDepths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64)
	queues := []string{queueHigh, queueDefault, queueLow, processingQueue, deadLetterQueue}
	for _, q := range queues {
		n, err := b.rdb.LLen(ctx, q).Result()
		if err != nil {
			return nil, err
		}
		depths[q] = n
	}
	n, err := b.rdb.ZCard(ctx, delayedQueue).Result()
	if err != nil {
		return nil, err
	}
	depths[delayedQueue] = n
	return depths, nil
}

var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 1
	else
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
		return 0
	end
`)

func (b *RedisBroker) Allow(ctx context.Context, key string, limit, burst int) (bool, error) {
	result, err := tokenBucketScript.Run(ctx, b.rdb, []string{key}, limit, burst, time.Now().Unix(), 1).Result()
	if err != nil {
		return false, err
	}
	return result.(int64) == 1, nil
}

// InspectQueue peeks at the first n jobs in a named queue without
// removing them, handling delayed_queue's ZSET representation
// separately from the plain-list queues. Used by the stats surface
// only; not part of the Broker interface since the Dispatcher/Runner
// never need to peek.
func (b *RedisBroker) InspectQueue(ctx context.Context, queueName string, n int64) ([]Job, error) {
	var raw []string
	var err error
	if queueName == delayedQueue {
		raw, err = b.rdb.ZRange(ctx, queueName, 0, n-1).Result()
	} else {
		raw, err = b.rdb.LRange(ctx, queueName, 0, n-1).Result()
	}
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raw))
	for _, r := range raw {
		var job Job
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

var _ Broker = (*RedisBroker)(nil)
