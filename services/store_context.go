package services

import (
	"context"
	"errors"
)

// ErrNoConversationStore is the panic value for a lookup outside a scope
// opened with WithConversationStore.
var ErrNoConversationStore = errors.New("no conversation store in context")

type storeCtxKey struct{}

// WithConversationStore opens a provisioning scope for s.
func WithConversationStore(ctx context.Context, s *ConversationStore) context.Context {
	return context.WithValue(ctx, storeCtxKey{}, s)
}

// ConversationStoreFromContext returns the store of the enclosing scope.
// A missing store is a wiring bug, so it panics instead of returning nil.
func ConversationStoreFromContext(ctx context.Context) *ConversationStore {
	s, ok := ctx.Value(storeCtxKey{}).(*ConversationStore)
	if !ok || s == nil {
		panic(ErrNoConversationStore)
	}
	return s
}
