package models

import (
	"time"
)

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderBot
}

// Message is one entry of the timeline shown to the user.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// StoredMessage is a message as the remote store persists and serves it.
type StoredMessage struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	Sender         Sender `json:"sender"`
	Timestamp      string `json:"timestamp"`
	AgentName      string `json:"agent_name,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}
