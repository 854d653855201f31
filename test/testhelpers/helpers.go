// Package testhelpers provides shared utilities for exercising the relay
// over real WebSocket connections in integration tests.
package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a decoded outbound frame.
type Event map[string]any

// Type returns the event's type tag.
func (e Event) Type() string {
	if t, ok := e["type"].(string); ok {
		return t
	}
	return ""
}

// WebSocketURL rewrites an httptest server URL to its ws:// equivalent.
func WebSocketURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

// Connect dials the relay's WebSocket endpoint with an allowed origin.
func Connect(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", "http://localhost:8080")

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendJoin sends a join event.
func SendJoin(t *testing.T, conn *websocket.Conn, username string) {
	t.Helper()
	sendJSON(t, conn, map[string]any{"type": "join", "username": username})
}

// SendChatMessage sends a message event.
func SendChatMessage(t *testing.T, conn *websocket.Conn, username, text string, senderID any) {
	t.Helper()
	sendJSON(t, conn, map[string]any{
		"type": "message",
		"message": map[string]any{
			"username": username,
			"text":     text,
			"senderId": senderID,
		},
	})
}

// SendTyping sends a typing event.
func SendTyping(t *testing.T, conn *websocket.Conn, username string, isTyping bool) {
	t.Helper()
	sendJSON(t, conn, map[string]any{"type": "typing", "username": username, "isTyping": isTyping})
}

func sendJSON(t *testing.T, conn *websocket.Conn, payload any) {
	t.Helper()
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("Failed to send %v: %v", payload, err)
	}
}

// ReceiveEvent reads the next frame within the timeout.
func ReceiveEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) Event {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("Received invalid JSON %q: %v", payload, err)
	}
	return event
}

// WaitForEvent reads frames until one matches eventType, skipping others.
// Typing and notification broadcasts interleave freely with message events,
// so scenario tests filter for the type they assert on.
func WaitForEvent(t *testing.T, conn *websocket.Conn, eventType string, timeout time.Duration) Event {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %q event", eventType)
		}
		event := ReceiveEvent(t, conn, remaining)
		if event.Type() == eventType {
			return event
		}
	}
}

// ExpectSilence asserts that no frame arrives within the window.
func ExpectSilence(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, payload, err := conn.ReadMessage(); err == nil {
		t.Fatalf("Expected no event, received %s", payload)
	}
}

// MessageBody extracts the nested message object of a message event.
func MessageBody(t *testing.T, event Event) map[string]any {
	t.Helper()
	body, ok := event["message"].(map[string]any)
	if !ok {
		t.Fatalf("Event has no message object: %v", event)
	}
	return body
}

// TypingUsers extracts the typingUsers list of a typing event.
func TypingUsers(t *testing.T, event Event) []string {
	t.Helper()
	raw, ok := event["typingUsers"].([]any)
	if !ok {
		t.Fatalf("Event has no typingUsers array: %v", event)
	}
	users := make([]string, 0, len(raw))
	for _, entry := range raw {
		users = append(users, fmt.Sprintf("%v", entry))
	}
	return users
}
