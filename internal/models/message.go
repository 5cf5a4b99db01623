package models

import "time"

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the farmer.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the assistant, either streamed from the model or a
	// fallback error text.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles accepted on the wire.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single turn of a conversation as it travels between the client and the chat endpoint.
// The content of the trailing assistant message grows while a reply is streamed; every earlier message
// is immutable.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// HistoryEntry is a message persisted on the server for a session, with its storage identifier and the
// time it was recorded.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
