// Package websocket streams notifier results to connected API clients as
// they are delivered. A slow client never holds up the daemon's event pump:
// each client has a bounded buffer and frames that do not fit are dropped
// and counted.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tripwire/notifyd/internal/journal"
)

// Message is the JSON envelope of one frame. Type is "event" for a change
// and "error" for a stream error.
type Message struct {
	Type string         `json:"type"`
	Data journal.Record `json:"data"`
}

// Client is one connected stream consumer, valid until Unregister.
type Client struct {
	id      string
	Dropped atomic.Int64 // frames lost to a full buffer

	// mu guards send against being closed while Publish offers to it.
	mu     sync.RWMutex
	send   chan []byte
	closed bool
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel of encoded frames. It is closed when the client
// is unregistered or the broadcaster closes.
func (c *Client) Send() <-chan []byte { return c.send }

// offer queues raw without blocking. It reports false when the buffer is
// full; frames offered after shutdown are discarded.
func (c *Client) offer(raw []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Broadcaster fans records out to every registered client. It is safe for
// concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster with per-client buffers of bufSize
// frames; 0 selects 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register adds a client under id. After Close it returns a client whose
// Send channel is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		c.shutdown()
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	if b.closed.Load() {
		// Close ran between the check above and Store.
		b.Unregister(id)
	}
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Unknown ids are ignored.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		v.(*Client).shutdown()
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish encodes rec once and offers it to every client without blocking.
func (b *Broadcaster) Publish(rec journal.Record) {
	if b.closed.Load() || b.clientCnt.Load() == 0 {
		return
	}

	msg := Message{Type: "event", Data: rec}
	if rec.Error != "" {
		msg.Type = "error"
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if !c.offer(raw) {
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping frame",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Close unregisters every client. Publish is a no-op afterwards.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, _ any) bool {
			b.Unregister(key.(string))
			return true
		})
	})
}
