// Package server manages individual WebSocket connections, bridging each
// one's read/write pumps with the broker's sequential event loop.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatrelay/chatrelay/internal/broker"
	"github.com/chatrelay/chatrelay/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client owns one WebSocket connection. Its read pump decodes inbound frames
// and delivers them to the broker; its write pump drains the broker-assigned
// outbound queue. Neither pump touches shared chat state directly.
type Client struct {
	conn   *websocket.Conn
	broker *broker.Broker
	id     broker.ConnectionID
	out    *broker.Outbox
	addr   string

	codec       protocol.Codec
	rateLimiter *rateLimiter
	rateLimit   RateLimitConfig
}

// NewClient wraps an upgraded WebSocket connection. Limits are taken from the
// active configuration at creation time.
func NewClient(conn *websocket.Conn, b *broker.Broker, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:        conn,
		broker:      b,
		addr:        addr,
		codec:       protocol.NewCodec(cfg.MaxTextSize),
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:   cfg.RateLimit,
	}
}

// Start registers the connection with the broker and launches both pumps,
// tracked by wg so shutdown can wait for them.
func (c *Client) Start(wg *sync.WaitGroup) {
	c.id, c.out = c.broker.Attach()

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump()
	}()
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Error("setting initial read deadline", "remoteAddr", c.addr, "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			slog.Error("setting read deadline in pong handler", "remoteAddr", c.addr, "err", err)
		}
		return nil
	})
}

func (c *Client) readPump() {
	defer func() {
		// Detach is idempotent; the broker ignores a second notification
		// for an id it has already forgotten.
		c.broker.Detach(c.id)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Error("closing connection in readPump", "remoteAddr", c.addr, "err", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		env, err := c.codec.Decode(raw)
		if err != nil {
			// Malformed input is fatal for this connection only.
			slog.Warn("invalid frame", "connId", c.id, "remoteAddr", c.addr, "err", err)
			return
		}

		c.broker.Deliver(c.id, env)
	}
}

// logReadError picks an appropriate log level for the error that ended the
// read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		slog.Warn("frame exceeded maximum size", "connId", c.id, "remoteAddr", c.addr)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		slog.Debug("client disconnected", "connId", c.id, "remoteAddr", c.addr, "err", err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		slog.Debug("connection closed", "connId", c.id, "remoteAddr", c.addr, "err", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		slog.Warn("unexpected WebSocket error", "connId", c.id, "remoteAddr", c.addr, "err", err)
	default:
		slog.Warn("WebSocket read error", "connId", c.id, "remoteAddr", c.addr, "err", err)
	}
}

// checkRateLimit reports whether the message may be processed. Messages over
// the limit are discarded, keeping the connection open.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		slog.Warn("rate limit exceeded, discarding message",
			"connId", c.id,
			"remoteAddr", c.addr,
			"burst", c.rateLimit.Burst,
			"interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case <-c.out.Wake():
			if !c.flushOutbox() {
				return
			}
		case <-c.out.Done():
			// Drain what the broker queued before closing, then say
			// goodbye properly.
			c.flushOutbox()
			c.writeCloseMessage()
			return
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// flushOutbox writes every currently queued frame, one WebSocket message per
// frame. It reports false when the transport failed.
func (c *Client) flushOutbox() bool {
	for {
		payload, ok := c.out.Pop()
		if !ok {
			return true
		}

		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			slog.Error("setting write deadline", "remoteAddr", c.addr, "err", err)
			return false
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			if !isExpectedCloseError(err) {
				slog.Warn("write error", "connId", c.id, "remoteAddr", c.addr, "err", err)
			}
			return false
		}
	}
}

func (c *Client) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			slog.Debug("writing close message", "remoteAddr", c.addr, "err", err)
		}
	}
}

// writePing keeps the connection alive between chat traffic.
func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Error("setting write deadline for ping", "remoteAddr", c.addr, "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			slog.Debug("writing ping message", "remoteAddr", c.addr, "err", err)
		}
		return false
	}
	return true
}

// closeConnection closes the WebSocket, logging only unexpected errors.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		slog.Error("closing connection in writePump", "remoteAddr", c.addr, "err", err)
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
