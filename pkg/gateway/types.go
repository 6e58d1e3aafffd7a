package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event names pushed to websocket clients.
const (
	EventModuleLoaded     = "module.loaded"
	EventModuleReloaded   = "module.reloaded"
	EventPluginLoadFailed = "plugin.load.failed"
	EventAuditTamper      = "audit.tamper"
	EventServerShutdown   = "server.shutdown"
)

// sendBufferSize bounds the per-client outbound queue. A client that cannot
// drain this many events is a slow consumer; further events are dropped for
// that client rather than stalling the broadcast.
const sendBufferSize = 32

// EventMessage represents a server-initiated event
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"seq"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Dropped      int64     `json:"dropped"`
}

// ModuleInfo is the API representation of a module ledger entry
type ModuleInfo struct {
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	Version      string     `json:"version,omitempty"`
	FilePath     string     `json:"filePath,omitempty"`
	Active       bool       `json:"active"`
	Tools        []string   `json:"tools"`
	Dependencies []string   `json:"dependencies,omitempty"`
	LoadedAt     time.Time  `json:"loadedAt"`
	UnloadedAt   *time.Time `json:"unloadedAt,omitempty"`
}

// ToolInfo is the API representation of a registered tool
type ToolInfo struct {
	Module    string    `json:"module"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
}

// Client represents a connected WebSocket client. Writes go through the
// buffered send channel so one stalled connection never blocks a broadcast.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	mu        sync.Mutex
	send      chan []byte
	closed    bool
	dropped   int64
	closeOnce sync.Once
}

// newClient wraps an upgraded connection and starts its write pump.
func newClient(id string, conn *websocket.Conn, ip string) *Client {
	c := &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    ip,
		send:         make(chan []byte, sendBufferSize),
	}
	go c.writePump()
	return c
}

// enqueue queues a message for delivery. It never blocks: when the client's
// buffer is full the message is dropped and false returned.
func (c *Client) enqueue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		c.dropped++
		return false
	}
}

// writePump drains the send channel onto the connection until the channel
// closes or a write fails.
func (c *Client) writePump() {
	for message := range c.send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.Close()
			// Drain remaining messages so enqueue never sees a full
			// buffer on a dead connection.
			for range c.send {
			}
			return
		}
	}
	_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Close shuts the send channel and the underlying connection. Safe to call
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.Conn.Close()
	})
}

// Dropped reports how many events were discarded for this client.
func (c *Client) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Info returns a snapshot of the client for the API.
func (c *Client) Info() ClientInfo {
	return ClientInfo{
		ID:           c.ID,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.LastActivity,
		IPAddress:    c.IPAddress,
		Dropped:      c.Dropped(),
	}
}
