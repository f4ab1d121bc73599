// Package protocol defines the push-channel events and the JSON payloads
// exchanged by the client and the relay hub.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Push-channel event names.
const (
	EventSendMessage = "send_message"
	EventMessageSent = "message_sent"
	EventMessageErr  = "message_error"
	EventNewMessage  = "new_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMarkRead    = "mark_read"
	EventMessageRead = "message_read"
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

// Message statuses, in lifecycle order. Failed is terminal and sits outside
// the order.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// StatusRank orders the non-failed statuses. Unknown and failed rank 0.
func StatusRank(s string) int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// Message is the confirmed, server-side form of a chat message.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Read        bool   `json:"read"`
	CreatedAt   int64  `json:"created_at"`
}

// Envelope is the frame carried over the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

// SendMessage is emitted by a client to send a chat message.
type SendMessage struct {
	SenderID      string `json:"sender_id"`
	RecipientID   string `json:"recipient_id"`
	Content       string `json:"content"`
	Kind          string `json:"kind,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// MessageSent acknowledges a SendMessage. Message carries the durable form
// when the hub persisted it.
type MessageSent struct {
	CorrelationID string   `json:"correlation_id"`
	Message       *Message `json:"message,omitempty"`
}

// MessageError rejects a SendMessage.
type MessageError struct {
	CorrelationID string `json:"correlation_id"`
	Error         string `json:"error"`
}

// NewMessage fans a confirmed message out to both parties.
type NewMessage struct {
	Message Message `json:"message"`
}

// Typing is the payload of typing_start and typing_stop.
type Typing struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
}

// MarkRead is emitted by the recipient of a message.
type MarkRead struct {
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
}

// MessageRead notifies the sender that a message was read.
type MessageRead struct {
	MessageID string `json:"message_id"`
}

// UserPresence is the payload of user_online and user_offline.
type UserPresence struct {
	UserID string `json:"user_id"`
}

// PairKey identifies the conversation between two users regardless of order.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}
