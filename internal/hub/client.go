package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a single WebSocket connection attached to a Hub.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	id := uuid.New().String()
	return &Client{
		ID:   id,
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.opts.sendBuffer),
		log:  h.opts.logger.With(slog.String("client", id)),
	}
}

// readPump handles inbound frames until the connection fails or the peer
// stops answering pings.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	pongWait := c.hub.opts.pongTimeout
	c.conn.SetReadLimit(c.hub.opts.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("hub client read failed", slog.String("error", err.Error()))
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg []byte) {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.log.Debug("hub client sent invalid frame", slog.String("error", err.Error()))
		return
	}

	switch f.Event {
	case SendMessage:
		user, message, ok := senderArgs(f.Args)
		if !ok {
			c.log.Debug("hub client sent malformed SendMessage")
			return
		}
		if err := c.hub.PublishAll(context.Background(), ReceiveMessage, user, message); err != nil {
			c.log.Warn("hub re-broadcast failed", slog.String("error", err.Error()))
		}
	default:
		c.log.Debug("hub client sent unknown event", slog.String("event", f.Event))
	}
}

func senderArgs(args []any) (string, string, bool) {
	if len(args) != 2 {
		return "", "", false
	}
	user, ok1 := args[0].(string)
	message, ok2 := args[1].(string)
	return user, message, ok1 && ok2
}

// writePump writes queued frames and keepalive pings. It returns when the
// hub closes the send queue or a write fails.
func (c *Client) writePump() {
	writeWait := c.hub.opts.writeTimeout
	ticker := time.NewTicker(c.hub.opts.pongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
