package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/conversation"
)

// ChangeEvent notifies subscribers that a session's conversation collection
// changed. Subscribers re-read the collection and overwrite their local view
// with the last writer's value.
type ChangeEvent struct {
	SessionID string
}

// SessionStore is the device-scoped guest persistence collaborator: an
// in-memory mirror of each guest session's conversations plus a subscription
// channel for change notification. Writes are last-writer-wins; concurrent
// writers can lose updates. Strict consistency routes through the
// DocumentStore instead.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string][]*conversation.Conversation

	subMu sync.Mutex
	subs  []chan ChangeEvent

	logger *zap.Logger
}

func NewSessionStore(logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string][]*conversation.Conversation),
		logger:   logger,
	}
}

// Conversations returns deep copies of the session's conversations, newest
// first by creation time order of insertion.
func (s *SessionStore) Conversations(sessionID string) []*conversation.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.sessions[sessionID]
	out := make([]*conversation.Conversation, 0, len(stored))
	for _, conv := range stored {
		out = append(out, conv.Clone())
	}
	return out
}

// Get returns a copy of one conversation, or nil when absent.
func (s *SessionStore) Get(sessionID, conversationID string) *conversation.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conv := range s.sessions[sessionID] {
		if conv.ID == conversationID {
			return conv.Clone()
		}
	}
	return nil
}

// Put upserts a conversation by id and notifies subscribers.
func (s *SessionStore) Put(sessionID string, conv *conversation.Conversation) {
	s.mu.Lock()
	stored := s.sessions[sessionID]
	replaced := false
	for i, existing := range stored {
		if existing.ID == conv.ID {
			stored[i] = conv.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		stored = append(stored, conv.Clone())
	}
	s.sessions[sessionID] = stored
	s.mu.Unlock()

	s.notify(sessionID)
}

// Update applies fn to one conversation under the store lock, so a
// read-modify-write cannot clobber writes that landed in between. Returns
// whether the conversation was present.
func (s *SessionStore) Update(sessionID, conversationID string, fn func(*conversation.Conversation)) bool {
	s.mu.Lock()
	found := false
	for _, conv := range s.sessions[sessionID] {
		if conv.ID == conversationID {
			fn(conv)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.notify(sessionID)
	}
	return found
}

// Replace rewrites the session's whole conversation collection.
func (s *SessionStore) Replace(sessionID string, convs []*conversation.Conversation) {
	copied := make([]*conversation.Conversation, 0, len(convs))
	for _, conv := range convs {
		copied = append(copied, conv.Clone())
	}

	s.mu.Lock()
	s.sessions[sessionID] = copied
	s.mu.Unlock()

	s.notify(sessionID)
}

// Delete removes one conversation from the session. Returns whether it was
// present.
func (s *SessionStore) Delete(sessionID, conversationID string) bool {
	s.mu.Lock()
	stored := s.sessions[sessionID]
	found := false
	for i, conv := range stored {
		if conv.ID == conversationID {
			s.sessions[sessionID] = append(stored[:i], stored[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.notify(sessionID)
	}
	return found
}

// Clear drops the session's whole collection.
func (s *SessionStore) Clear(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.notify(sessionID)
}

// Subscribe returns a channel of change events. Delivery is best-effort: a
// subscriber that falls behind misses events rather than blocking writers.
func (s *SessionStore) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *SessionStore) notify(sessionID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ChangeEvent{SessionID: sessionID}:
		default:
			s.logger.Debug("dropping session change event for slow subscriber",
				zap.String("session_id", sessionID))
		}
	}
}
