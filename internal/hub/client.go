// ABOUTME: Per-connection state and read/write pumps for push subscribers.
// ABOUTME: Outbound messages are queued; a subscriber that overflows its queue is disconnected, never skipped.

package hub

import (
	"context"
	"encoding/json"
	"time"

	"nhooyr.io/websocket"
)

// Client is one connected push subscriber. Subscription fields are guarded by
// the owning Hub's mutex, not by the client itself.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by hub.mu
	sidebar       bool
	conversations map[string]struct{}
}

func newClient(conn *websocket.Conn, h *Hub) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, h.sendBuffer),
		ctx:           ctx,
		cancel:        cancel,
		conversations: make(map[string]struct{}),
	}
}

func (c *Client) run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer c.cancel()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.hub.handleMessage(c, data)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.hub.writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// sendJSON queues a message for the write pump. A full queue disconnects the
// client rather than skipping the message: a skipped event would leave a
// sequence gap the client can detect but never repair, while a reconnect gets
// a fresh catch-up snapshot. Broadcasts never block either way.
func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.logger.Error("failed to marshal push message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("disconnecting slow subscriber, send queue full")
		c.cancel()
	}
}

// writeTimeoutDefault bounds a single frame write when no override is configured.
const writeTimeoutDefault = 5 * time.Second
