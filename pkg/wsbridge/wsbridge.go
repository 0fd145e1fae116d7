// Package wsbridge implements the WebSocket surface: one duplex
// connection per task, tailing its output stream and status channel
// downstream and forwarding input-response frames upstream into the
// I/O fabric. It never talks to a child process directly — everything
// it knows about a running task comes through pkg/iostream's Redis
// keys, the same ones the in-child shim and pkg/dispatcher's Cancel
// write to.
package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/waldiez/runner/pkg/auth"
	"github.com/waldiez/runner/pkg/iostream"
	"github.com/waldiez/runner/pkg/logger"
	"github.com/waldiez/runner/pkg/model"
	"github.com/waldiez/runner/pkg/store"
)

// outboundBufferSize bounds the per-connection downstream queue. A
// slow reader drops the oldest buffered frame rather than blocking the
// Redis tailing goroutines, so one stuck client can't stall delivery
// to every other task.
const outboundBufferSize = 64

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Bridge wires a task's Redis-backed I/O fabric to a WebSocket
// connection.
type Bridge struct {
	Redis    *redis.Client
	Store    store.Store
	Verifier auth.Verifier
}

// New builds a Bridge.
func New(rdb *redis.Client, st store.Store, verifier auth.Verifier) *Bridge {
	return &Bridge{Redis: rdb, Store: st, Verifier: verifier}
}

// frame is the envelope every message the bridge writes to the socket
// shares; Type distinguishes "output" lines from "status" transitions.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// inputFrame is what the bridge expects to read from the socket: the
// client's answer to an outstanding input request.
type inputFrame struct {
	RequestID string `json:"request_id"`
	Data      string `json:"data"`
}

// ServeTask upgrades the request to a WebSocket connection for
// taskID, authenticating and verifying ownership first. A failure
// before the upgrade is a plain HTTP error response; a failure
// discovered only after the handshake (ownership mismatch once the
// task is looked up) closes the socket with 1008 (policy violation)
// since by then the client has already been upgraded.
func (b *Bridge) ServeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	token, ok, acceptSubprotocol := auth.ExtractWSToken(r)
	if !ok {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	clientID, err := b.Verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	task, err := b.Store.GetTask(r.Context(), taskID)
	if err != nil || task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	var header http.Header
	if acceptSubprotocol != "" {
		header = http.Header{"Sec-WebSocket-Protocol": []string{acceptSubprotocol}}
	}
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		logger.Component("wsbridge").Warn().Err(err).Msg("upgrade failed")
		return
	}

	if task.ClientID != clientID {
		closeWith(conn, websocket.ClosePolicyViolation, "not your task")
		conn.Close()
		return
	}

	b.run(r.Context(), conn, taskID)
	conn.Close()
}

// run drives one connection's lifetime: two goroutines tail Redis and
// push frames into a bounded outbound channel, a third goroutine
// drains that channel to the socket, and the calling goroutine reads
// client frames until the connection closes or ctx is cancelled.
func (b *Bridge) run(ctx context.Context, conn *websocket.Conn, taskID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := iostream.NewReader(b.Redis, taskID)
	outbound := make(chan []byte, outboundBufferSize)

	var producers sync.WaitGroup
	producers.Add(2)
	go func() { defer producers.Done(); b.tailOutput(ctx, reader, outbound) }()
	go func() { defer producers.Done(); b.tailStatus(ctx, conn, reader, outbound, cancel) }()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.writeLoop(ctx, conn, outbound)
	}()

	// upstream's ReadMessage blocks on the socket, not on ctx; once the
	// other side decides the connection is done (terminal status, or
	// the caller tearing ctx down), force it to unblock.
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	b.upstream(ctx, conn, reader)

	cancel()
	producers.Wait()
	close(outbound)
	<-writerDone
}

// tailOutput polls the output stream from "$" (only entries appended
// after the connection opened) and pushes one frame per entry.
func (b *Bridge) tailOutput(ctx context.Context, reader *iostream.Reader, outbound chan []byte) {
	lastID := "$"
	for ctx.Err() == nil {
		entries, err := reader.ReadOutput(ctx, lastID, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Component("wsbridge").Warn().Err(err).Msg("read output failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, e := range entries {
			lastID = e.ID
			payload, err := json.Marshal(frame{Type: "output", Data: e.Data})
			if err != nil {
				continue
			}
			pushFrame(outbound, payload)
		}
	}
}

// tailStatus forwards every status transition. On a terminal status it
// sends a normal-closure control frame itself (safe to do concurrently
// with writeLoop: gorilla/websocket serializes control writes
// independently of data writes) and cancels ctx so the other goroutines
// wind down.
func (b *Bridge) tailStatus(ctx context.Context, conn *websocket.Conn, reader *iostream.Reader, outbound chan []byte, cancel context.CancelFunc) {
	sub := reader.SubscribeStatus(ctx)
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var decoded any
			if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
				decoded = msg.Payload
			}
			if payload, err := json.Marshal(frame{Type: "status", Data: decoded}); err == nil {
				pushFrame(outbound, payload)
			}

			var sm iostream.StatusMessage
			if err := json.Unmarshal([]byte(msg.Payload), &sm); err == nil && model.TaskStatus(sm.Status).IsTerminal() {
				closeWith(conn, websocket.CloseNormalClosure, "task terminated")
				cancel()
				return
			}
		}
	}
}

// writeLoop is the connection's sole writer, draining outbound until
// it's closed or ctx is cancelled.
func (b *Bridge) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-outbound:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// upstream reads client frames until the connection errs or closes.
// The only frame shape a client may send is an input response; any
// other payload is a protocol violation closed with 1003.
func (b *Bridge) upstream(ctx context.Context, conn *websocket.Conn, reader *iostream.Reader) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in inputFrame
		if jsonErr := json.Unmarshal(raw, &in); jsonErr != nil || in.RequestID == "" {
			closeWith(conn, websocket.CloseUnsupportedData, "malformed input frame")
			return
		}
		if err := reader.PublishInputResponse(ctx, in.RequestID, in.Data); err != nil {
			logger.Component("wsbridge").Warn().Err(err).Msg("publish input response failed")
		}
	}
}

// pushFrame sends payload on outbound, dropping the single oldest
// queued frame to make room when the buffer is full rather than
// blocking the Redis tailing goroutines on a slow reader.
func pushFrame(outbound chan []byte, payload []byte) {
	select {
	case outbound <- payload:
		return
	default:
	}
	select {
	case <-outbound:
	default:
	}
	select {
	case outbound <- payload:
	default:
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
