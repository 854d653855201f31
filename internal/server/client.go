// Package server manages individual WebSocket connections: the per-connection
// session state, the read pump that classifies and routes inbound events, and
// the write pump that drains the send queue.
package server

import (
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chathub/internal/store"
)

const (
	// sendQueueSize bounds the per-connection outbound queue. A connection
	// that falls this far behind is treated as failed and removed, so one
	// slow peer never stalls delivery to the rest.
	sendQueueSize = 256

	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
)

// Client is the session handler for one live connection. The username label
// is connection-local state, mutated only by this connection's read pump; the
// closed flag is owned by the Registry.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	username       string
	closed         bool
	maxMessageSize int64
	limiter        *rateLimiter
	rate           RateLimitConfig
}

// NewClient wraps a freshly upgraded connection. The send queue is buffered
// so broadcasts to healthy peers never block on this one.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendQueueSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rate:           cfg.RateLimit,
	}
}

// SendQueue exposes the outbound queue for tests.
func (c *Client) SendQueue() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		log.Printf("Error setting read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
}

// handleReadError classifies a read failure and reports whether the pump
// should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Message from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Client %s disconnected: %v", c.addr, err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		log.Printf("Client %s connection closed: %v", c.addr, err)
	default:
		log.Printf("WebSocket read error from %s: %v", c.addr, err)
	}
	return true
}

// readPump consumes inbound frames until the transport closes, then
// deregisters the connection. Deregistration is idempotent, so a close racing
// with a failed-send removal is harmless.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
			// Hub loop is gone; remove directly so the write pump sees
			// its queue close and exits promptly.
			c.hub.registry.Remove(c)
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection in readPump: %v", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		if c.limiter != nil && !c.limiter.allow() {
			log.Printf("Rate limit exceeded for %s (%d events per %s); discarding event", c.addr, c.rate.Burst, c.rate.RefillInterval)
			continue
		}

		c.handleEvent(raw)
	}
}

// handleEvent classifies one inbound frame and routes it. An undecodable
// frame is a protocol violation: it is logged and ignored, and the connection
// stays open.
func (c *Client) handleEvent(raw []byte) {
	event, err := DecodeInbound(raw)
	if err != nil {
		log.Printf("Ignoring invalid event from %s: %v", c.addr, err)
		return
	}

	switch e := event.(type) {
	case JoinEvent:
		c.handleJoin(e)
	case MessageEvent:
		c.handleMessage(e)
	case TypingEvent:
		c.handleTyping(e)
	}
}

// handleJoin binds the supplied username to this connection and announces the
// arrival to everyone.
func (c *Client) handleJoin(e JoinEvent) {
	username := strings.TrimSpace(e.Username)
	if username == "" {
		c.sendError("username is required to join")
		return
	}

	c.username = username
	log.Printf("User joined from %s: %s", c.addr, username)
	c.hub.Broadcast(NewNotification(username + " has joined the chat"))
}

// handleMessage validates, persists, and broadcasts one chat message.
// Messages carry their own username, so a prior join event is not required.
// On any failure only the originator is notified; nothing is broadcast for a
// message that was not persisted.
func (c *Client) handleMessage(e MessageEvent) {
	if strings.TrimSpace(e.Username) == "" ||
		strings.TrimSpace(e.Text) == "" ||
		e.SenderID == "" {
		c.sendError("Invalid message format - username, text and senderId are required")
		return
	}

	msg := store.NewMessage(e.Username, string(e.SenderID), e.Text)
	if err := c.hub.messages.Append(c.hub.ctx, msg); err != nil {
		log.Printf("Failed to persist message from %s: %v", c.addr, err)
		c.sendError("Failed to save your message")
		return
	}

	c.hub.Broadcast(NewMessageBroadcast(*msg))
}

// handleTyping updates the presence tracker and broadcasts the full set of
// active typers. Filtering out the viewer's own name is the client's concern.
func (c *Client) handleTyping(e TypingEvent) {
	username := strings.TrimSpace(e.Username)
	if username == "" {
		c.sendError("username is required for typing signals")
		return
	}

	c.hub.typing.SetTyping(username, e.IsTyping)
	c.hub.Broadcast(NewTypingBroadcast(c.hub.typing.ActiveTypers()))
}

// sendError reports a failure to this connection only.
func (c *Client) sendError(text string) {
	c.hub.Unicast(c, NewErrorEvent(text))
}

// writePump drains the send queue to the transport and keeps the connection
// alive with periodic pings. It exits when the queue is closed by the
// registry or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Printf("Error setting write deadline for %s: %v", c.addr, err)
				return
			}
			if !ok {
				c.writeClose()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error writing to %s: %v", c.addr, err)
				}
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error writing ping to %s: %v", c.addr, err)
				}
				return
			}
		}
	}
}

func (c *Client) writeClose() {
	err := c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		log.Printf("Error writing close message to %s: %v", c.addr, err)
	}
}

// isExpectedCloseError reports whether err is part of a normal connection
// teardown and can be suppressed.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
