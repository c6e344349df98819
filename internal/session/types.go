package session

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Origin records whether a message is confirmed by the backend or was added
// optimistically by the coordinator ahead of network confirmation.
type Origin string

const (
	OriginConfirmed  Origin = "confirmed"
	OriginOptimistic Origin = "optimistic"
)

// Thread represents a persisted conversation.
type Thread struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single chat message. Status messages are ephemeral progress
// indicators owned by the coordinator; they are never persisted and never
// appear in GetMessages results.
type Message struct {
	ID       string `json:"id,omitempty"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	RunID    string `json:"run_id,omitempty"`
	IsStatus bool   `json:"-"`
	Origin   Origin `json:"-"`
}
