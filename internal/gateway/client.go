package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection. The read pump parses request frames
// and answers through the dispatcher; the write pump drains send.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		hub:  hub,
		send: make(chan []byte, 256),
		log:  log.WithFields(zap.String("clientId", id)),
	}
}

// ReadPump consumes frames until the peer goes away.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("ws read failed", zap.Error(err))
			}
			return
		}

		var msg wire.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("", "", wire.ErrorCodeBadRequest, "invalid message format")
			continue
		}

		resp, err := c.hub.dispatcher.Dispatch(ctx, &msg)
		if err != nil {
			c.log.Warn("ws handler failed", zap.String("action", msg.Action), zap.Error(err))
			c.sendError(msg.ID, msg.Action, wire.ErrorCodeInternalError, err.Error())
			continue
		}
		if resp != nil {
			c.sendMessage(resp)
		}
	}
}

// WritePump drains send and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg *wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("ws frame marshal failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("ws client send buffer full")
	}
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := wire.NewError(id, action, code, message)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}
