// Package server defines the wire-level event vocabulary shared by the
// session handler and the broadcast path. Inbound frames decode into a closed
// set of event variants so that dispatch in the session handler is exhaustive.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Tyrowin/chathub/internal/store"
)

// Wire-level event type tags.
const (
	EventJoin         = "join"
	EventMessage      = "message"
	EventTyping       = "typing"
	EventHistory      = "history"
	EventNotification = "notification"
	EventError        = "error"
)

// Decode failures. An unrecognized or malformed frame is logged and ignored
// by the session handler; it never closes the connection.
var (
	ErrUnknownEvent   = errors.New("unrecognized event type")
	ErrMalformedEvent = errors.New("malformed event payload")
)

// SenderID accepts either a JSON string or a JSON number, since clients send
// both forms.
type SenderID string

// UnmarshalJSON implements json.Unmarshaler.
func (s *SenderID) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*s = SenderID(asString)
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(data, &asNumber); err == nil {
		*s = SenderID(asNumber.String())
		return nil
	}
	return fmt.Errorf("senderId must be a string or number, got %s", data)
}

// MarshalJSON implements json.Marshaler. Numeric identifiers round-trip as
// numbers so clients see the shape they sent.
func (s SenderID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(string(s))
}

// InboundEvent is the closed union of events a client may send.
type InboundEvent interface {
	inboundEvent()
}

// JoinEvent announces a username for the connection.
type JoinEvent struct {
	Username string
}

// MessageEvent carries a chat message to persist and broadcast.
type MessageEvent struct {
	Username string
	Text     string
	SenderID SenderID
}

// TypingEvent signals a change in a user's typing state.
type TypingEvent struct {
	Username string
	IsTyping bool
}

func (JoinEvent) inboundEvent()    {}
func (MessageEvent) inboundEvent() {}
func (TypingEvent) inboundEvent()  {}

type inboundEnvelope struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
	Message  *struct {
		Username string   `json:"username"`
		Text     string   `json:"text"`
		SenderID SenderID `json:"senderId"`
	} `json:"message"`
}

// DecodeInbound parses a raw frame into one of the inbound event variants.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case EventJoin:
		return JoinEvent{Username: env.Username}, nil
	case EventMessage:
		if env.Message == nil {
			return nil, fmt.Errorf("%w: message event without message body", ErrMalformedEvent)
		}
		return MessageEvent{
			Username: env.Message.Username,
			Text:     env.Message.Text,
			SenderID: env.Message.SenderID,
		}, nil
	case EventTyping:
		return TypingEvent{Username: env.Username, IsTyping: env.IsTyping}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// HistoryEvent replays recent messages to a newly opened connection.
type HistoryEvent struct {
	Type     string          `json:"type"`
	Messages []store.Message `json:"messages"`
}

// MessageBroadcast carries one persisted chat message to every connection.
type MessageBroadcast struct {
	Type    string        `json:"type"`
	Message store.Message `json:"message"`
}

// Notification is a system-level announcement, such as a user joining.
type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TypingBroadcast carries the full set of currently typing usernames.
type TypingBroadcast struct {
	Type        string   `json:"type"`
	TypingUsers []string `json:"typingUsers"`
}

// ErrorEvent reports a failure back to the originating connection only.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewHistoryEvent wraps messages oldest-first for replay. A nil slice is
// normalized so the wire form is always an array.
func NewHistoryEvent(messages []store.Message) HistoryEvent {
	if messages == nil {
		messages = []store.Message{}
	}
	return HistoryEvent{Type: EventHistory, Messages: messages}
}

// NewMessageBroadcast wraps a persisted message for fan-out.
func NewMessageBroadcast(msg store.Message) MessageBroadcast {
	return MessageBroadcast{Type: EventMessage, Message: msg}
}

// NewNotification wraps a system announcement for fan-out.
func NewNotification(text string) Notification {
	return Notification{Type: EventNotification, Message: text}
}

// NewTypingBroadcast wraps the active typer set for fan-out. A nil set is
// normalized so the wire form is always an array.
func NewTypingBroadcast(typingUsers []string) TypingBroadcast {
	if typingUsers == nil {
		typingUsers = []string{}
	}
	return TypingBroadcast{Type: EventTyping, TypingUsers: typingUsers}
}

// NewErrorEvent wraps an error report for unicast to the originator.
func NewErrorEvent(text string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: text}
}

// encodeEvent serializes an outbound event exactly once; the same bytes are
// then delivered to every recipient.
func encodeEvent(event any) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outbound event: %w", err)
	}
	return payload, nil
}
