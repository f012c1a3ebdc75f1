package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatstate/models"

	"github.com/google/uuid"
)

// MemoryRepository keeps conversations in process memory.
type MemoryRepository struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]models.StoredMessage
	now           func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.StoredMessage),
		now:           time.Now,
	}
}

func (r *MemoryRepository) CreateConversation(ctx context.Context, agentName, firstMessage string) (*models.Conversation, error) {
	now := FormatTimestamp(r.now())
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		AgentName: agentName,
		Title:     ConversationTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conv.ID] = conv
	out := *conv
	return &out, nil
}

func (r *MemoryRepository) AddMessage(ctx context.Context, conversationID, text string, sender models.Sender, agentName string) (*models.StoredMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("add message to %s: %w", conversationID, ErrConversationNotFound)
	}

	now := FormatTimestamp(r.now())
	msg := models.StoredMessage{
		ID:             uuid.New().String(),
		Text:           text,
		Sender:         sender,
		Timestamp:      now,
		AgentName:      agentName,
		ConversationID: conversationID,
	}
	r.messages[conversationID] = append(r.messages[conversationID], msg)
	conv.UpdatedAt = now
	conv.MessageCount = len(r.messages[conversationID])
	return &msg, nil
}

func (r *MemoryRepository) GetConversationHistory(ctx context.Context, conversationID string) (*models.ConversationHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", conversationID, ErrConversationNotFound)
	}
	out := *conv
	msgs := make([]models.StoredMessage, len(r.messages[conversationID]))
	copy(msgs, r.messages[conversationID])
	return &models.ConversationHistory{Conversation: &out, Messages: msgs}, nil
}

func (r *MemoryRepository) ListAgentConversations(ctx context.Context, agentName string) ([]models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Conversation, 0)
	for _, conv := range r.conversations {
		if conv.AgentName == agentName {
			out = append(out, *conv)
		}
	}
	sortByUpdatedDesc(out)
	return out, nil
}

func (r *MemoryRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[conversationID]; !ok {
		return fmt.Errorf("delete %s: %w", conversationID, ErrConversationNotFound)
	}
	delete(r.conversations, conversationID)
	delete(r.messages, conversationID)
	return nil
}

// sortByUpdatedDesc orders conversations newest first. RFC3339Nano trims
// trailing zeros, so the strings are compared as instants. Unparseable
// timestamps sort last.
func sortByUpdatedDesc(convs []models.Conversation) {
	type keyed struct {
		conv models.Conversation
		at   time.Time
		ok   bool
	}
	keys := make([]keyed, len(convs))
	for i, c := range convs {
		at, err := ParseTimestamp(c.UpdatedAt)
		keys[i] = keyed{conv: c, at: at, ok: err == nil}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.ok != b.ok {
			return a.ok
		}
		if !a.ok {
			return a.conv.UpdatedAt > b.conv.UpdatedAt
		}
		return a.at.After(b.at)
	})
	for i, k := range keys {
		convs[i] = k.conv
	}
}
