package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 10
	sendBuffer     = 64
)

// EventHandler processes a client→server event. Handlers run on the
// connection's read goroutine; anything slow must be dispatched elsewhere.
type EventHandler func(ctx context.Context, client *Client, event string, data json.RawMessage)

// Client is one authenticated WebSocket connection. The user binding is
// fixed at upgrade time and never client-asserted.
type Client struct {
	UserID   string
	UserName string

	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	// rooms is guarded by hub.mu
	rooms map[string]struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, userName string) *Client {
	return &Client{
		UserID:   userID,
		UserName: userName,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
}

// enqueue hands a frame to the write pump without blocking. Returns false
// when the client's buffer is full.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Client) close() {
	c.doneOnce.Do(func() { close(c.done) })
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// ReadPump consumes inbound frames until the connection drops, then
// detaches the client from the hub.
func (c *Client) ReadPump(ctx context.Context, handler EventHandler) {
	defer func() {
		c.hub.RemoveClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("realtime: read error user=%s: %v", c.UserID, err)
			}
			return
		}
		var inbound struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(frame, &inbound); err != nil || inbound.Event == "" {
			continue
		}
		handler(ctx, c, inbound.Event, inbound.Data)
	}
}

// WritePump serializes all writes to the connection and keeps it alive
// with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send writes a single event to this connection only.
func (c *Client) Send(event string, payload any) {
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		log.Printf("realtime: marshal %s event: %v", event, err)
		return
	}
	if !c.enqueue(frame) {
		log.Printf("realtime: dropping slow client user=%s", c.UserID)
		c.close()
	}
}
