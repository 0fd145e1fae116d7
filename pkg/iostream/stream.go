package iostream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Stream is the per-task handle onto the I/O fabric: append output,
// request input from the client, publish lifecycle transitions. The
// in-child shim (cmd/waldiez-shim) is the primary user; pkg/wsbridge
// and pkg/httpapi use the read side of the same keys through Reader,
// since this type's responsibility is strictly the producing (child)
// side of the protocol.
type Stream struct {
	rdb          *redis.Client
	taskID       string
	inputTimeout time.Duration
}

// New builds a Stream for taskID. inputTimeout bounds how long
// RequestInput waits for a matching response.
func New(rdb *redis.Client, taskID string, inputTimeout time.Duration) *Stream {
	return &Stream{rdb: rdb, taskID: taskID, inputTimeout: inputTimeout}
}

// PublishStatus publishes a lifecycle transition on the status
// channel. Callers pass status strings matching model.TaskStatus
// values; this package doesn't import pkg/model to stay dependency-
// free for the shim binary.
func (s *Stream) PublishStatus(ctx context.Context, status string, data any) error {
	msg := StatusMessage{Status: status, Data: data}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, StatusChannel(s.taskID), payload).Err()
}

// AppendOutput encodes data as a JSON record and XADDs it to the
// output stream, approximately-trimmed by maintenance rather than on
// every write (MAXLEN ~ is a hint, not exact, to keep XADD cheap).
func (s *Stream) AppendOutput(ctx context.Context, data string) error {
	payload, err := json.Marshal(OutputRecord{Data: data})
	if err != nil {
		return err
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: OutputStreamKey(s.taskID),
		Approx: true,
		Values: map[string]any{"data": string(payload)},
	}).Err()
}

// RequestInput runs the full input protocol: publish a
// request, publish WAITING_FOR_INPUT, wait for a matching response up
// to s.inputTimeout, then publish RUNNING again whether or not a
// response arrived. Returns "" on timeout, which is a valid
// workflow-defined answer, not an error.
func (s *Stream) RequestInput(ctx context.Context, prompt string) (string, error) {
	requestID := uuid.NewString()

	payload, err := json.Marshal(InputRequest{RequestID: requestID, Prompt: prompt})
	if err != nil {
		return "", err
	}
	if err := s.rdb.Publish(ctx, InputRequestChannel(s.taskID), payload).Err(); err != nil {
		return "", err
	}
	if err := s.PublishStatus(ctx, "WAITING_FOR_INPUT", map[string]string{"request_id": requestID}); err != nil {
		return "", err
	}

	data, err := s.awaitResponse(ctx, requestID)

	if statusErr := s.PublishStatus(ctx, "RUNNING", nil); statusErr != nil && err == nil {
		err = statusErr
	}
	return data, err
}

func (s *Stream) awaitResponse(ctx context.Context, requestID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.inputTimeout)
	defer cancel()

	sub := s.rdb.Subscribe(ctx, InputResponseChannel(s.taskID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return "", nil
		case msg, ok := <-ch:
			if !ok {
				return "", nil
			}
			var resp InputResponse
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				continue
			}
			if resp.RequestID != requestID {
				continue
			}
			if err := s.markProcessed(context.Background(), requestID); err != nil {
				return resp.Data, err
			}
			return resp.Data, nil
		}
	}
}

func (s *Stream) markProcessed(ctx context.Context, requestID string) error {
	return s.rdb.ZAdd(ctx, processedRequestsKey(s.taskID), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: requestID,
	}).Err()
}

// CleanupProcessedRequests trims every task's processed-request set
// down to entries newer than retention, scanning task keys in batches
// of scanCount. Intended to be called by pkg/maintenance on a cron.
func CleanupProcessedRequests(ctx context.Context, rdb *redis.Client, retention time.Duration, scanCount int64) error {
	cutoff := time.Now().Add(-retention).Unix()
	return scanKeys(ctx, rdb, "task:*:processed_requests", scanCount, func(key string) error {
		return rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff)).Err()
	})
}

// TrimTaskOutputStreams approximately-trims every task's output stream
// to maxlen, scanning in batches of scanCount.
func TrimTaskOutputStreams(ctx context.Context, rdb *redis.Client, maxlen int64, scanCount int64) error {
	return scanKeys(ctx, rdb, "task:*:output", scanCount, func(key string) error {
		return rdb.XTrimMaxLenApprox(ctx, key, maxlen, 0).Err()
	})
}

func scanKeys(ctx context.Context, rdb *redis.Client, pattern string, count int64, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, count).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
