package models

// ChatDocument is the backend's per-user conversation record.
type ChatDocument struct {
	ID              string    `json:"_id,omitempty"`
	UserID          string    `json:"userId"`
	CoworkerID      string    `json:"coworkerId,omitempty"`
	MessageReceived []Message `json:"messageReceived"`
	MessageSent     []Message `json:"messageSent"`
}

// HistoryResponse is the body of a successful coworker history request.
type HistoryResponse struct {
	CoworkerChats []ChatDocument `json:"coworkerChats"`
}

// ErrorResponse is the body the backend returns alongside non-2xx statuses.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Snapshot is the history loaded when a conversation is opened.
type Snapshot struct {
	Received []Message
	Sent     []Message
}
