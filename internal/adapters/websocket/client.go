package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/floroz/gavel-live/internal/notify"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

const (
	actionJoin  = "join"
	actionLeave = "leave"

	replyConnected = "connected"
	replyJoined    = "joined"
	replyLeft      = "left"
	replyError     = "error"
)

// command is a client request to change its auction memberships
type command struct {
	Action    string `json:"action"`
	AuctionID string `json:"auctionId"`
}

// reply is a control message addressed to one connection
type reply struct {
	Type      string `json:"type"`
	AuctionID string `json:"auctionId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// client owns one connection. Only writePump writes to conn once it has started.
type client struct {
	conn    *websocket.Conn
	sub     *notify.Subscriber
	userID  uuid.UUID
	replies chan reply
	quit    chan struct{}
	once    sync.Once
}

func newClient(conn *websocket.Conn, sub *notify.Subscriber, userID uuid.UUID) *client {
	return &client{
		conn:    conn,
		sub:     sub,
		userID:  userID,
		replies: make(chan reply, 16),
		quit:    make(chan struct{}),
	}
}

func (c *client) writeNow(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// reply queues a control message. Dropped when the queue is full.
func (c *client) reply(r reply) {
	select {
	case c.replies <- r:
	default:
	}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.quit) })
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env := <-c.sub.Messages():
			if err := c.writeNow(env); err != nil {
				return
			}
		case r := <-c.replies:
			if err := c.writeNow(r); err != nil {
				return
			}
		case <-c.sub.Done():
			// Evicted by the hub or closed on disconnect
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"),
				time.Now().Add(writeWait))
			return
		case <-c.quit:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump blocks until the connection fails, passing every well-formed command to handle
func (c *client) readPump(handle func(command)) {
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.reply(reply{Type: replyError, Error: "malformed command"})
			continue
		}
		handle(cmd)
	}
}
