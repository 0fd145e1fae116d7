// Package watcher implements the status watcher: the component that
// subscribes to a running task's status channel and is the only
// legitimate source of a cancellation signal to its subprocess. It
// parses status messages, persists the matching state transition, and
// terminates the subprocess's process group on cancellation.
package watcher

import (
	"context"
	"encoding/json"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/waldiez/runner/pkg/logger"
	"github.com/waldiez/runner/pkg/model"
	"github.com/waldiez/runner/pkg/store"
)

// Watch subscribes to task:<id>:status on its own (non-pooled) Redis
// connection and persists every parsed status transition to st. It
// returns true if it terminated the process group itself (a
// should_terminate status arrived before the child exited on its own);
// the caller should treat that as authoritative over whatever raw exit
// code the child eventually reports. Watch always unsubscribes and
// closes its pubsub connection before returning, on every exit path.
func Watch(ctx context.Context, rdb *redis.Client, taskID string, pid int, st store.Store) bool {
	log := logger.ForTask(taskID)
	channel := "task:" + taskID + ":status"

	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return false

		case msg, ok := <-ch:
			if !ok {
				return false
			}
			parsed := parseStatusMessage(msg.Payload)
			if parsed == nil {
				continue
			}

			update := model.StatusUpdate{Status: parsed.Status, InputRequestID: parsed.InputRequestID, Results: parsed.Results}
			if parsed.Results == nil && parsed.Status != model.StatusCompleted && parsed.Status != model.StatusFailed && parsed.Status != model.StatusCancelled {
				update.SkipResults = true
			}
			if err := st.UpdateTaskStatus(ctx, taskID, update); err != nil {
				log.Warn().Err(err).Msg("failed to persist status update")
			}

			if parsed.ShouldTerminate {
				terminate(pid)
				return true
			}
			if parsed.Status.IsTerminal() {
				return false
			}
		}
	}
}

// parsedStatus is the decoded, typed form of a raw status-channel
// message.
type parsedStatus struct {
	Status          model.TaskStatus
	InputRequestID  *string
	Results         json.RawMessage
	ShouldTerminate bool
}

// parseStatusMessage tolerates double-JSON-encoded payloads (a raw
// string value that itself needs a second json.Unmarshal) and applies
// a per-status interpretation table: WAITING_FOR_INPUT carries
// data.request_id, COMPLETED's data is the results verbatim, FAILED's
// data is wrapped as {"error": data}, CANCELLED's data.data (or bare
// data) becomes {"error": ...} and triggers termination.
func parseStatusMessage(raw string) *parsedStatus {
	message := loadMessageDict(raw)
	if message == nil {
		return nil
	}

	statusStr, _ := message["status"].(string)
	if statusStr == "" {
		return nil
	}
	status := model.TaskStatus(statusStr)
	if !status.Valid() {
		return nil
	}

	parsed := &parsedStatus{Status: status}

	switch status {
	case model.StatusWaitingForInput:
		if data, ok := message["data"].(map[string]any); ok {
			if reqID, ok := data["request_id"].(string); ok {
				parsed.InputRequestID = &reqID
			}
		}
	case model.StatusCompleted:
		parsed.Results = encodeResults(message["data"])
	case model.StatusFailed:
		parsed.Results = encodeResults(map[string]any{"error": message["data"]})
	case model.StatusCancelled:
		var errVal any
		switch data := message["data"].(type) {
		case map[string]any:
			errVal = data["data"]
		case string:
			errVal = data
		}
		if errVal != nil {
			parsed.Results = encodeResults(map[string]any{"error": errVal})
		}
		parsed.ShouldTerminate = true
	}

	return parsed
}

// loadMessageDict mirrors load_redis_message_dict: unmarshal raw,
// unwrap a string-typed result once more (double-encoding), and if the
// decoded object carries {"data": ...} but no top-level "status",
// descend into it (pub/sub envelopes wrap the real payload this way).
func loadMessageDict(raw string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil
		}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if _, hasStatus := m["status"]; !hasStatus {
		if inner, ok := m["data"]; ok {
			switch innerV := inner.(type) {
			case map[string]any:
				m = innerV
			case string:
				var decoded any
				if err := json.Unmarshal([]byte(innerV), &decoded); err == nil {
					if decodedMap, ok := decoded.(map[string]any); ok {
						m = decodedMap
					}
				}
			}
		}
	}
	return m
}

func encodeResults(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// terminate sends SIGTERM to the process group, waiting up to 5s
// before escalating to SIGKILL to give the child a chance to shut down
// cleanly.
func terminate(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			if err := syscall.Kill(-pid, 0); err != nil {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
