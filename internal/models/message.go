package models

import "time"

// Message represents one turn entry of a conversation transcript. A user submission produces one user
// Message; the assistant's reply to it is a second Message whose ID is reserved before the first event
// of the reply arrives, so incoming fragments always have a stable target.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// IsStreaming is true from the first content-bearing event of a reply until the turn's terminal event.
	// It is never set on user messages.
	IsStreaming bool `json:"isStreaming,omitempty"`
	// IsError is true when the turn ended with an error before any content arrived. Content then holds
	// the error text.
	IsError bool `json:"isError,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the coach or parent.
	RoleUser Role = "user"
	// RoleAssistant represents a reply produced by the assistant.
	RoleAssistant Role = "assistant"
)

// HistoryEntry is a role and content pair sent along with a submission so the assistant sees the
// trailing context of the conversation.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Child is a student known to the caller. Lists of children travel alongside a reply as auxiliary data
// and never become part of a message's content.
type Child struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Age  int    `json:"age,omitempty"`
}
