package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/chathub/internal/store"
)

// memStore is an in-memory MessageStore for hub tests.
type memStore struct {
	mu         sync.Mutex
	messages   []store.Message
	failAppend bool
}

func (m *memStore) Append(_ context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return fmt.Errorf("%w: disk full", store.ErrStorage)
	}
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memStore) Recent(_ context.Context, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.messages) {
		limit = len(m.messages)
	}
	recent := make([]store.Message, limit)
	copy(recent, m.messages[len(m.messages)-limit:])
	return recent, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func startTestHub(t *testing.T, messages store.MessageStore) *Hub {
	t.Helper()
	SetConfig(nil)
	hub := NewHub(messages)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return hub
}

// addClient registers a pump-less client directly with the registry so tests
// can observe its send queue without a live transport.
func addClient(hub *Hub) *Client {
	client := newTestClient(hub)
	hub.registry.Add(client)
	return client
}

func receivePayload(t *testing.T, client *Client, within time.Duration) []byte {
	t.Helper()
	select {
	case payload, ok := <-client.send:
		if !ok {
			t.Fatal("send queue closed while waiting for payload")
		}
		return payload
	case <-time.After(within):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func expectNoPayload(t *testing.T, client *Client) {
	t.Helper()
	select {
	case payload := <-client.send:
		t.Fatalf("unexpected payload: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func decodeType(t *testing.T, payload []byte) string {
	t.Helper()
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	return envelope.Type
}

func TestBroadcastDeliversIdenticalBytes(t *testing.T) {
	hub := startTestHub(t, &memStore{})
	c1 := addClient(hub)
	c2 := addClient(hub)

	hub.Broadcast(NewNotification("alice has joined the chat"))

	p1 := receivePayload(t, c1, time.Second)
	p2 := receivePayload(t, c2, time.Second)
	if !bytes.Equal(p1, p2) {
		t.Errorf("clients received different bytes:\n%s\n%s", p1, p2)
	}
	if decodeType(t, p1) != EventNotification {
		t.Errorf("type = %q, want %q", decodeType(t, p1), EventNotification)
	}
}

func TestBroadcastIsolatesFailedClient(t *testing.T) {
	hub := startTestHub(t, &memStore{})
	slow := addClient(hub)
	healthy := addClient(hub)

	// Fill the slow client's queue so the next delivery to it fails.
	for i := 0; i < sendQueueSize; i++ {
		if !hub.registry.Deliver(slow, []byte("fill")) {
			t.Fatalf("failed to fill queue at %d", i)
		}
	}

	hub.Broadcast(NewNotification("still flowing"))

	payload := receivePayload(t, healthy, time.Second)
	if decodeType(t, payload) != EventNotification {
		t.Fatalf("healthy client got %q event", decodeType(t, payload))
	}

	// The failed client is removed from the registry.
	deadline := time.Now().Add(time.Second)
	for hub.registry.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("registry still has %d clients, want 1", hub.registry.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hub.registry.Deliver(slow, []byte("late")) {
		t.Error("Deliver() to dropped client returned true")
	}
}

func TestSequentialBroadcastsKeepOrder(t *testing.T) {
	hub := startTestHub(t, &memStore{})
	c1 := addClient(hub)
	c2 := addClient(hub)

	const n = 10
	for i := 0; i < n; i++ {
		hub.Broadcast(NewNotification(fmt.Sprintf("event %d", i)))
	}

	for _, client := range []*Client{c1, c2} {
		for i := 0; i < n; i++ {
			payload := receivePayload(t, client, time.Second)
			var note Notification
			if err := json.Unmarshal(payload, &note); err != nil {
				t.Fatalf("bad payload: %v", err)
			}
			if want := fmt.Sprintf("event %d", i); note.Message != want {
				t.Fatalf("out of order: got %q, want %q", note.Message, want)
			}
		}
	}
}

func TestMessageEventPersistsAndBroadcasts(t *testing.T) {
	messages := &memStore{}
	hub := startTestHub(t, messages)
	sender := addClient(hub)
	receiver := addClient(hub)

	sender.handleEvent([]byte(`{"type":"message","message":{"username":"alice","text":"hi","senderId":1}}`))

	for _, client := range []*Client{sender, receiver} {
		payload := receivePayload(t, client, time.Second)
		var broadcast struct {
			Type    string        `json:"type"`
			Message store.Message `json:"message"`
		}
		if err := json.Unmarshal(payload, &broadcast); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if broadcast.Type != EventMessage {
			t.Errorf("type = %q, want %q", broadcast.Type, EventMessage)
		}
		if broadcast.Message.Username != "alice" || broadcast.Message.Text != "hi" {
			t.Errorf("unexpected message: %+v", broadcast.Message)
		}
		if broadcast.Message.ID == "" {
			t.Error("broadcast message has no identifier")
		}
	}

	if messages.count() != 1 {
		t.Errorf("store has %d messages, want 1", messages.count())
	}
}

func TestEmptyTextIsRejectedWithoutSideEffects(t *testing.T) {
	messages := &memStore{}
	hub := startTestHub(t, messages)
	sender := addClient(hub)
	bystander := addClient(hub)

	sender.handleEvent([]byte(`{"type":"message","message":{"username":"alice","text":"   ","senderId":1}}`))

	payload := receivePayload(t, sender, time.Second)
	if decodeType(t, payload) != EventError {
		t.Errorf("originator got %q event, want %q", decodeType(t, payload), EventError)
	}
	expectNoPayload(t, bystander)
	if messages.count() != 0 {
		t.Errorf("store has %d messages, want 0", messages.count())
	}
}

func TestAppendFailureIsNotBroadcast(t *testing.T) {
	messages := &memStore{failAppend: true}
	hub := startTestHub(t, messages)
	sender := addClient(hub)
	bystander := addClient(hub)

	sender.handleEvent([]byte(`{"type":"message","message":{"username":"alice","text":"hi","senderId":1}}`))

	payload := receivePayload(t, sender, time.Second)
	if decodeType(t, payload) != EventError {
		t.Errorf("originator got %q event, want %q", decodeType(t, payload), EventError)
	}
	expectNoPayload(t, bystander)
}

func TestJoinBindsUsernameAndNotifiesEveryone(t *testing.T) {
	hub := startTestHub(t, &memStore{})
	joiner := addClient(hub)
	other := addClient(hub)

	joiner.handleEvent([]byte(`{"type":"join","username":"alice"}`))

	if joiner.username != "alice" {
		t.Errorf("username = %q, want %q", joiner.username, "alice")
	}

	for _, client := range []*Client{joiner, other} {
		payload := receivePayload(t, client, time.Second)
		var note Notification
		if err := json.Unmarshal(payload, &note); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if note.Type != EventNotification || note.Message != "alice has joined the chat" {
			t.Errorf("unexpected notification: %+v", note)
		}
	}
}

func TestTypingSignalsBroadcastActiveSet(t *testing.T) {
	hub := startTestHub(t, &memStore{})
	typer := addClient(hub)
	watcher := addClient(hub)

	typer.handleEvent([]byte(`{"type":"typing","username":"alice","isTyping":true}`))

	payload := receivePayload(t, watcher, time.Second)
	var typing TypingBroadcast
	if err := json.Unmarshal(payload, &typing); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if len(typing.TypingUsers) != 1 || typing.TypingUsers[0] != "alice" {
		t.Errorf("typingUsers = %v, want [alice]", typing.TypingUsers)
	}
	receivePayload(t, typer, time.Second) // typer gets the same broadcast

	typer.handleEvent([]byte(`{"type":"typing","username":"alice","isTyping":false}`))

	payload = receivePayload(t, watcher, time.Second)
	if err := json.Unmarshal(payload, &typing); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if len(typing.TypingUsers) != 0 {
		t.Errorf("typingUsers = %v, want []", typing.TypingUsers)
	}
}

func TestUnknownEventIsIgnored(t *testing.T) {
	hub := startTestHub(t, &memStore{})
	client := addClient(hub)

	client.handleEvent([]byte(`{"type":"teleport","username":"alice"}`))
	client.handleEvent([]byte(`garbage`))

	expectNoPayload(t, client)
	if hub.registry.Len() != 1 {
		t.Errorf("protocol violations must not drop the connection; Len() = %d", hub.registry.Len())
	}
}

func TestHistoryReplayIsChronological(t *testing.T) {
	messages := &memStore{}
	for i := 0; i < 3; i++ {
		msg := store.NewMessage("alice", "1", fmt.Sprintf("m%d", i))
		_ = messages.Append(context.Background(), msg)
	}

	hub := startTestHub(t, messages)
	client := addClient(hub)
	hub.sendHistory(client)

	payload := receivePayload(t, client, time.Second)
	var history HistoryEvent
	if err := json.Unmarshal(payload, &history); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if history.Type != EventHistory {
		t.Errorf("type = %q, want %q", history.Type, EventHistory)
	}
	if len(history.Messages) != 3 {
		t.Fatalf("history has %d messages, want 3", len(history.Messages))
	}
	for i, msg := range history.Messages {
		if want := fmt.Sprintf("m%d", i); msg.Text != want {
			t.Errorf("history[%d].Text = %q, want %q", i, msg.Text, want)
		}
	}
}

func TestShutdownCompletes(t *testing.T) {
	SetConfig(nil)
	hub := NewHub(&memStore{})
	go hub.Run()

	if err := hub.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
