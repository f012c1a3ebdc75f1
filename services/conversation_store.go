package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatstate/models"
)

var (
	// ErrStoreClosed is the panic value for any use of a store after Close.
	ErrStoreClosed = errors.New("conversation store used after Close")

	// ErrStaleLoad is returned by LoadConversation when a newer load was
	// started before this one finished. Its response is discarded.
	ErrStaleLoad = errors.New("conversation load superseded by a newer load")
)

// Snapshot is a copy of the store state handed to readers and observers.
type Snapshot struct {
	Messages              []models.Message
	Conversations         []models.Conversation
	CurrentConversationID string
	IsLoading             bool
}

type observer struct {
	id int
	fn func(Snapshot)
}

// ConversationStore holds the timeline of the open conversation, the cached
// conversation list of an agent, the current conversation id and the loading
// flag. The remote store stays authoritative; everything here is a cache that
// is refreshed only by explicit calls.
//
// An empty CurrentConversationID means a new, unsaved conversation.
type ConversationStore struct {
	api    ConversationAPI
	ids    *IDGenerator
	now    func() time.Time
	logger *slog.Logger

	mu            sync.Mutex
	messages      []models.Message
	conversations []models.Conversation
	currentID     string
	loading       bool
	loadToken     uint64
	session       uint64
	closed        bool
	observers     []observer
	nextObserver  int
}

type StoreOption func(*ConversationStore)

// WithLogger sets the sink remote failures are reported to.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *ConversationStore) {
		s.logger = logger
	}
}

// WithClock overrides the clock used to stamp appended messages.
func WithClock(now func() time.Time) StoreOption {
	return func(s *ConversationStore) {
		s.now = now
	}
}

func NewConversationStore(api ConversationAPI, opts ...StoreOption) *ConversationStore {
	s := &ConversationStore{
		api:           api,
		ids:           NewIDGenerator(),
		now:           time.Now,
		logger:        slog.Default(),
		messages:      []models.Message{},
		conversations: []models.Conversation{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "conversation_store")
	return s
}

// Messages returns a copy of the current timeline.
func (s *ConversationStore) Messages() []models.Message {
	s.lock()
	defer s.mu.Unlock()
	return copyMessages(s.messages)
}

// Conversations returns a copy of the cached conversation list.
func (s *ConversationStore) Conversations() []models.Conversation {
	s.lock()
	defer s.mu.Unlock()
	return copyConversations(s.conversations)
}

func (s *ConversationStore) CurrentConversationID() string {
	s.lock()
	defer s.mu.Unlock()
	return s.currentID
}

func (s *ConversationStore) IsLoading() bool {
	s.lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *ConversationStore) Snapshot() Snapshot {
	s.lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to be called synchronously after every mutation.
// The returned func removes the registration.
func (s *ConversationStore) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.lock()
	defer s.mu.Unlock()

	s.nextObserver++
	id := s.nextObserver
	s.observers = append(s.observers, observer{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// AppendMessage adds a message with a fresh id and the current time to the
// end of the timeline. Empty text is accepted as is.
func (s *ConversationStore) AppendMessage(text string, sender models.Sender) models.Message {
	msg := s.newMessage(text, sender)
	s.update(func() bool {
		s.messages = append(s.messages, msg)
		return true
	})
	return msg
}

// ResetConversation clears the timeline and the current conversation id.
// It is both "clear" and "start a new conversation".
func (s *ConversationStore) ResetConversation() {
	s.update(func() bool {
		s.resetLocked()
		return true
	})
}

// SetLoading sets the loading flag directly, for callers that drive their own
// loading state (streaming a reply, for example).
func (s *ConversationStore) SetLoading(loading bool) {
	s.update(func() bool {
		changed := s.loading != loading
		s.loading = loading
		return changed
	})
}

// LoadConversation replaces the timeline with the stored history of
// conversationID and makes it current. On failure the state is left as it
// was. The loading flag is set for the duration of the call.
func (s *ConversationStore) LoadConversation(ctx context.Context, conversationID string) error {
	var token uint64
	s.update(func() bool {
		s.loadToken++
		token = s.loadToken
		s.loading = true
		return true
	})
	defer s.mutate(func() bool {
		if s.loadToken != token {
			return false
		}
		changed := s.loading
		s.loading = false
		return changed
	})

	log := s.logger.With("conversation_id", conversationID)

	history, err := s.api.GetConversation(ctx, conversationID)
	var messages []models.Message
	if err == nil {
		messages, err = RemapHistory(history.Messages)
	}
	if err != nil {
		log.Error("failed to load conversation", "error", err)
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	stale := false
	open := s.mutate(func() bool {
		if s.loadToken != token {
			stale = true
			return false
		}
		s.messages = messages
		s.currentID = conversationID
		s.session++
		return true
	})
	if !open {
		return ErrStoreClosed
	}
	if stale {
		log.Debug("discarding superseded conversation load")
		return ErrStaleLoad
	}

	log.Info("conversation loaded", "message_count", len(messages))
	return nil
}

// LoadAgentConversations replaces the cached conversation list with the
// remote list for agentName. The loading flag is not touched.
func (s *ConversationStore) LoadAgentConversations(ctx context.Context, agentName string) error {
	s.mustBeOpen()

	conversations, err := s.api.ListAgentConversations(ctx, agentName)
	if err != nil {
		s.logger.Error("failed to load agent conversations", "agent", agentName, "error", err)
		return fmt.Errorf("load conversations of %s: %w", agentName, err)
	}

	if !s.mutate(func() bool {
		s.conversations = copyConversations(conversations)
		return true
	}) {
		return ErrStoreClosed
	}
	return nil
}

// DeleteConversation deletes conversationID remotely and, once the remote
// store confirms, drops it from the cached list. Deleting the current
// conversation also resets the timeline.
func (s *ConversationStore) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mustBeOpen()

	if err := s.api.DeleteConversation(ctx, conversationID); err != nil {
		s.logger.Error("failed to delete conversation", "conversation_id", conversationID, "error", err)
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}

	if !s.mutate(func() bool {
		kept := make([]models.Conversation, 0, len(s.conversations))
		for _, c := range s.conversations {
			if c.ID != conversationID {
				kept = append(kept, c)
			}
		}
		s.conversations = kept
		if s.currentID == conversationID {
			s.resetLocked()
		}
		return true
	}) {
		return ErrStoreClosed
	}
	return nil
}

// SendMessage appends text as a user message, asks agentName for a reply and
// appends the reply. A new conversation becomes current with the id the
// remote store assigned to it. The reply is dropped from the timeline if the
// user switched conversations while it was pending.
func (s *ConversationStore) SendMessage(ctx context.Context, agentName, text string) (*models.ChatResponse, error) {
	userMsg := s.newMessage(text, models.SenderUser)
	var conversationID string
	var session, token uint64
	s.update(func() bool {
		s.messages = append(s.messages, userMsg)
		conversationID, session, token = s.currentID, s.session, s.loadToken
		s.loading = true
		return true
	})
	// A load started meanwhile owns the flag from then on.
	defer s.mutate(func() bool {
		if s.loadToken != token {
			return false
		}
		changed := s.loading
		s.loading = false
		return changed
	})

	reply, err := s.api.SendAgentMessage(ctx, agentName, models.ChatRequest{
		Message:        text,
		ConversationID: conversationID,
	})
	if err != nil {
		s.logger.Error("failed to send message", "agent", agentName, "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("send message to %s: %w", agentName, err)
	}

	botMsg := s.newMessage(reply.Response, models.SenderBot)
	s.mutate(func() bool {
		if s.session != session {
			s.logger.Debug("conversation changed while reply was pending", "conversation_id", reply.ConversationID)
			return false
		}
		s.messages = append(s.messages, botMsg)
		s.currentID = reply.ConversationID
		return true
	})
	return reply, nil
}

// Close tears the store down. Every later call panics with ErrStoreClosed.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.observers = nil
}

func (s *ConversationStore) newMessage(text string, sender models.Sender) models.Message {
	return models.Message{
		ID:        s.ids.Next(),
		Text:      text,
		Sender:    sender,
		Timestamp: s.now(),
	}
}

func (s *ConversationStore) resetLocked() {
	s.messages = []models.Message{}
	s.currentID = ""
	s.session++
}

// update applies fn and notifies observers when fn reports a change.
// It panics on a closed store.
func (s *ConversationStore) update(fn func() bool) {
	s.lock()
	s.commitLocked(fn)
}

// mutate is update for the tail of remote calls: a store closed while the
// call was pending is left alone and false is returned.
func (s *ConversationStore) mutate(fn func() bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.commitLocked(fn)
	return true
}

// commitLocked releases s.mu.
func (s *ConversationStore) commitLocked(fn func() bool) {
	if !fn() {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	observers := make([]observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, o := range observers {
		o.fn(snap)
	}
}

func (s *ConversationStore) mustBeOpen() {
	s.lock()
	s.mu.Unlock()
}

// lock acquires s.mu, or panics with ErrStoreClosed without holding it.
func (s *ConversationStore) lock() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic(ErrStoreClosed)
	}
}

func (s *ConversationStore) snapshotLocked() Snapshot {
	return Snapshot{
		Messages:              copyMessages(s.messages),
		Conversations:         copyConversations(s.conversations),
		CurrentConversationID: s.currentID,
		IsLoading:             s.loading,
	}
}

func copyMessages(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	copy(out, in)
	return out
}

func copyConversations(in []models.Conversation) []models.Conversation {
	out := make([]models.Conversation, len(in))
	copy(out, in)
	return out
}
