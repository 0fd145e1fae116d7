package iostream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reader tails a task's output stream and status channel for a
// consumer — the wsbridge connection loops and pkg/httpapi's
// input-response endpoint both use it.
type Reader struct {
	rdb    *redis.Client
	taskID string
}

func NewReader(rdb *redis.Client, taskID string) *Reader {
	return &Reader{rdb: rdb, taskID: taskID}
}

// OutputEntry is one delivered stream record, with its ID so the
// caller can resume from it.
type OutputEntry struct {
	ID   string
	Data string
}

// ReadOutput blocks (bounded by ctx) for new entries after lastID
// ("0" to start from the beginning, "$" for only-new), returning
// whatever arrived. redis.Nil-equivalent timeouts return an empty
// slice, not an error.
func (r *Reader) ReadOutput(ctx context.Context, lastID string, block time.Duration) ([]OutputEntry, error) {
	res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{OutputStreamKey(r.taskID), lastID},
		Block:   block,
		Count:   100,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []OutputEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, _ := msg.Values["data"].(string)
			var rec OutputRecord
			line := raw
			if err := json.Unmarshal([]byte(raw), &rec); err == nil {
				line = rec.Data
			}
			entries = append(entries, OutputEntry{ID: msg.ID, Data: line})
		}
	}
	return entries, nil
}

// SubscribeStatus returns the raw pub/sub channel for status messages;
// callers are responsible for closing the returned *redis.PubSub.
func (r *Reader) SubscribeStatus(ctx context.Context) *redis.PubSub {
	return r.rdb.Subscribe(ctx, StatusChannel(r.taskID))
}

// PublishInputResponse is the upstream half of the input protocol: the
// wsbridge calls this when the connected client answers a prompt.
func (r *Reader) PublishInputResponse(ctx context.Context, requestID, data string) error {
	resp := InputResponse{RequestID: requestID, Data: data}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, InputResponseChannel(r.taskID), payload).Err()
}
