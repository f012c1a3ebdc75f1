package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"chatstate/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

const titleMaxRunes = 50

// ConversationRepository is the persistence behind the remote store.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, agentName, firstMessage string) (*models.Conversation, error)
	AddMessage(ctx context.Context, conversationID, text string, sender models.Sender, agentName string) (*models.StoredMessage, error)
	GetConversationHistory(ctx context.Context, conversationID string) (*models.ConversationHistory, error)
	// ListAgentConversations returns the agent's conversations, most recently updated first.
	ListAgentConversations(ctx context.Context, agentName string) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ConversationTitle derives a title from the first message of a conversation.
func ConversationTitle(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)
	if utf8.RuneCountInString(title) <= titleMaxRunes {
		return title
	}
	return string([]rune(title)[:titleMaxRunes]) + "..."
}
