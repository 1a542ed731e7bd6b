package store

import "time"

// Sender identifies which party authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Conversation is a persistent grouping of messages under one
// client-chosen identifier.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single persisted conversation turn. Messages are immutable
// once created; within a conversation they are totally ordered by
// (created_at, id).
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}
