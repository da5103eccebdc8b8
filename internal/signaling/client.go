package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Generous because state
	// envelopes can carry document snapshots.
	maxMessageSize = 512 * 1024
)

// Client is a wrapper for a single websocket connection (a participant).
type Client struct {
	// Hub is a pointer to the hub that manages this client.
	Hub *Hub

	// Conn is the websocket connection. Nil in tests that drive the
	// hub directly.
	Conn *websocket.Conn

	// Membership state, owned by the hub loop after registration.
	RoomID      string
	PeerID      string
	DisplayName string
	X, Y        float64

	// Send is a buffered channel for all outbound messages. The hub
	// writes to it; WritePump drains it onto the websocket.
	Send chan *Message

	closeOnce sync.Once
}

// NewClient wraps a websocket connection for the hub.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		Hub:  hub,
		Conn: conn,
		Send: make(chan *Message, 256),
	}
}

// RemoteAddr identifies the connection for log lines.
func (c *Client) RemoteAddr() string {
	if c.Conn == nil {
		return "in-process"
	}
	return c.Conn.RemoteAddr().String()
}

// enqueue queues an outbound message. A full send buffer means the
// client has stopped draining; the message is dropped rather than
// blocking the hub loop.
func (c *Client) enqueue(msg *Message) {
	select {
	case c.Send <- msg:
	default:
		slog.Warn("send buffer full, dropping message", "remote", c.RemoteAddr(), "type", msg.Type)
	}
}

// Close closes the send channel, stopping WritePump. Safe to call more
// than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection
// by executing all reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("read error", "remote", c.RemoteAddr(), "error", err)
			}
			break
		}

		msg.client = c
		c.Hub.Inbound <- &msg
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection
// by executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				slog.Debug("write error", "remote", c.RemoteAddr(), "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
