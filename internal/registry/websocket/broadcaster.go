// Package websocket provides the in-process WebSocket broadcaster for the
// kernel registry. The Broadcaster fans newly reported kernel status
// changes out to all currently-connected admin-dashboard clients without
// blocking the REST ingest handler's goroutine.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of
//     JSON-encoded status messages. A non-blocking send is used so that a
//     slow or disconnected client never applies back-pressure to the
//     status-report HTTP handler.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manasgarg/plutoid-kernel/internal/registry/storage"
)

// KernelStatusData is the structured payload sent to dashboard clients as
// part of a KernelStatusMessage envelope.
type KernelStatusData struct {
	KernelID       string `json:"kernel_id"`
	SessionMode    bool   `json:"session_mode"`
	Status         string `json:"status"`
	LastPingAt     string `json:"last_ping_at,omitempty"`
	ExecutionCount int64  `json:"execution_count"`
}

// KernelStatusMessage is the top-level JSON envelope pushed to dashboard
// WebSocket clients. Type is always "kernel_status" for status events.
type KernelStatusMessage struct {
	Type string           `json:"type"`
	Data KernelStatusData `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is
// called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded status frames
// are delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans kernel status reports out to all currently-connected
// WebSocket clients. It is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client channel buffer depth. Pass 0 to use the
// default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes
// its Send channel so the associated write goroutine exits cleanly.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish converts sess to a KernelStatusMessage and delivers it to every
// registered client using a non-blocking send. When a client's buffer is
// full the message is dropped and the client's Dropped counter is
// incremented.
func (b *Broadcaster) Publish(sess storage.KernelSession) {
	if b.closed.Load() {
		return
	}

	var lastPing string
	if sess.LastPingAt != nil {
		lastPing = sess.LastPingAt.UTC().Format(time.RFC3339)
	}

	raw, err := json.Marshal(KernelStatusMessage{
		Type: "kernel_status",
		Data: KernelStatusData{
			KernelID:       sess.KernelID,
			SessionMode:    sess.SessionMode,
			Status:         string(sess.Status),
			LastPingAt:     lastPing,
			ExecutionCount: sess.ExecutionCount,
		},
	})
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
			// delivered
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping status",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Close removes all registered clients, closes every channel, and
// releases internal resources. After Close returns, Publish is a no-op.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
