package memory

import (
	"sync"

	"github.com/datagate-io/datagate/internal/domain/semantic"
)

// defaultMaxConversations bounds the conversation store; the least
// recently updated context is evicted when full.
const defaultMaxConversations = 1000

// ConversationStore keeps per-conversation security contexts in memory.
type ConversationStore struct {
	maxConversations int

	mu       sync.Mutex
	contexts map[string]*semantic.ConversationContext
}

var _ semantic.ContextStore = (*ConversationStore)(nil)

// NewConversationStore creates a store bounded at max conversations.
func NewConversationStore(max int) *ConversationStore {
	if max <= 0 {
		max = defaultMaxConversations
	}
	return &ConversationStore{
		maxConversations: max,
		contexts:         make(map[string]*semantic.ConversationContext),
	}
}

// Get returns the context for id, creating a fresh full-trust context
// when none exists.
func (s *ConversationStore) Get(id string) *semantic.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cc, ok := s.contexts[id]; ok {
		return cc
	}
	cc := semantic.NewConversationContext(id)
	s.admitLocked(cc)
	return cc
}

// Save persists a mutated context.
func (s *ConversationStore) Save(cc *semantic.ConversationContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[cc.ID]; !ok {
		s.admitLocked(cc)
		return
	}
	s.contexts[cc.ID] = cc
}

// Len returns the tracked conversation count.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

func (s *ConversationStore) admitLocked(cc *semantic.ConversationContext) {
	for len(s.contexts) >= s.maxConversations {
		s.evictStalestLocked()
	}
	s.contexts[cc.ID] = cc
}

func (s *ConversationStore) evictStalestLocked() {
	var stalestID string
	first := true
	for id, cc := range s.contexts {
		if first || cc.UpdatedAt.Before(s.contexts[stalestID].UpdatedAt) {
			stalestID = id
			first = false
		}
	}
	delete(s.contexts, stalestID)
}
