package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gocomet/ride-dispatch/pkg/auth"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ErrSendBufferFull is returned by Deliver when the peer is not draining
// its socket fast enough. Events are dropped rather than queued.
var ErrSendBufferFull = errors.New("websocket: send buffer full")

// ErrClosed is returned by Deliver after the connection shuts down.
var ErrClosed = errors.New("websocket: connection closed")

// envelope is the outbound wire frame.
type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// closeFrame is sent as the payload of a reason-carrying close.
type closeFrame struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

// Handler receives inbound frames and lifecycle callbacks from a client.
type Handler interface {
	OnEvent(c *Client, raw []byte)
	OnDisconnect(c *Client)
}

// Client owns one WebSocket connection for one authenticated identity.
// All writes funnel through the send channel into a single write pump;
// Deliver never blocks the caller.
type Client struct {
	Identity   auth.Identity
	ActiveRole auth.Role

	conn    *websocket.Conn
	handler Handler
	send    chan []byte
	logger  *logger.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, identity auth.Identity, activeRole auth.Role, handler Handler, log *logger.Logger) *Client {
	return &Client{
		Identity:   identity,
		ActiveRole: activeRole,
		conn:       conn,
		handler:    handler,
		send:       make(chan []byte, sendBuffer),
		logger:     log,
		closed:     make(chan struct{}),
	}
}

// UserID returns the authenticated user this connection belongs to.
func (c *Client) UserID() string {
	return c.Identity.UserID
}

// Deliver marshals an event envelope onto the send buffer. It returns an
// error if the connection is closed or the buffer is full.
func (c *Client) Deliver(event string, payload interface{}) error {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("Dropping event, send buffer full",
			logger.String("user_id", c.Identity.UserID),
			logger.String("event", event),
		)
		return ErrSendBufferFull
	}
}

// CloseWithReason tells the peer why it is being disconnected, then tears
// the connection down. Used on session eviction.
func (c *Client) CloseWithReason(reason string) {
	if data, err := json.Marshal(closeFrame{Event: "disconnect", Reason: reason}); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
	c.shutdown()
}

// ReadPump reads frames off the socket and hands them to the handler.
// It returns when the connection dies; the deferred disconnect callback
// lets the owner unbind the session.
func (c *Client) ReadPump() {
	defer func() {
		c.shutdown()
		c.handler.OnDisconnect(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error",
					logger.Err(err),
					logger.String("user_id", c.Identity.UserID),
				)
			}
			return
		}
		c.handler.OnEvent(c, message)
	}
}

// WritePump drains the send buffer onto the socket and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// flush anything already buffered before closing
			for {
				select {
				case message := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
