package models

import "time"

// Direction tells whether a message was sent or received by the viewing client.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Message is one chat message as returned by the history API and carried by live events.
type Message struct {
	SenderID   string    `json:"senderId,omitempty"`
	ReceiverID string    `json:"receiverId,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// Valid reports whether the message carries usable text and a timestamp.
func (m Message) Valid() bool {
	return m.Text != "" && !m.Timestamp.IsZero()
}

// DisplayMessage is a message tagged with its direction relative to the local user.
type DisplayMessage struct {
	Message
	Direction Direction `json:"type"`
}

// ArchivedMessage is one message persisted to the local transcript archive.
type ArchivedMessage struct {
	OwnerID   string
	PeerID    string
	Direction Direction
	Text      string
	Timestamp time.Time
}
