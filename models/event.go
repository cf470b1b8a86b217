package models

import (
	"encoding/json"
	"time"
)

const (
	// EventReceiveMessage is pushed by the backend for every delivered message.
	EventReceiveMessage = "receiveMessage"
	// EventSendMessage is emitted by the client to send a message.
	EventSendMessage = "sendMessage"
)

// Envelope frames every websocket payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// LivePayload is the message nested inside an inbound live event.
type LivePayload struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// LiveEvent is the inbound receiveMessage payload.
type LiveEvent struct {
	SenderID   string       `json:"senderId"`
	ReceiverID string       `json:"receiverId"`
	Message    *LivePayload `json:"message"`
}

// OutboundMessage is the sendMessage payload. The text field name differs
// from the inbound payload's message.text on purpose.
type OutboundMessage struct {
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	MessageText string `json:"messageText"`
}
