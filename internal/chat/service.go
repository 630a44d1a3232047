// Package chat orchestrates a user submission end to end: enhanced
// embedding, retrieval, context assembly, personalization, completion, and
// history persistence routed by identity.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/conversation"
	"github.com/refbase-ai/refbase/internal/identity"
	"github.com/refbase-ai/refbase/internal/llm"
	"github.com/refbase-ai/refbase/internal/personalization"
	"github.com/refbase-ai/refbase/internal/rag"
	"github.com/refbase-ai/refbase/internal/store"
)

const (
	// How many history messages are replayed to the completion service.
	historyLimit = 10

	titleInstruction = "You generate concise titles for chat conversations, 3-5 words maximum. " +
		"Return the title itself and nothing else."
)

// ErrBusy rejects a submission while a prior one for the same conversation
// context is still outstanding. Submissions are rejected, never queued.
var ErrBusy = errors.New("a response is already being generated")

// ErrNotFound reports an unknown conversation id for the caller's identity.
var ErrNotFound = errors.New("conversation not found")

// GenerationError is the one failure surfaced to the end user as a hard
// error: the final completion call did not produce a response.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("response generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// DurableStore is the slice of the document store the chat service uses for
// authenticated conversations.
type DurableStore interface {
	InsertConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error)
	AppendHistory(ctx context.Context, conversationID string, msgs []conversation.Message) error
	GetConversation(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID, userID string) error
	UpdateTitle(ctx context.Context, conversationID, userID, title string) error
}

type Service struct {
	llm      llm.Client
	rag      *rag.Engine
	durable  DurableStore
	sessions *store.SessionStore
	personal *personalization.Engine
	logger   *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewService(client llm.Client, engine *rag.Engine, durable DurableStore, sessions *store.SessionStore, personal *personalization.Engine, logger *zap.Logger) *Service {
	return &Service{
		llm:      client,
		rag:      engine,
		durable:  durable,
		sessions: sessions,
		personal: personal,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// Ask runs one exchange: it grounds the user message in the corpus, asks the
// completion service, appends the exchange to the conversation, and persists
// it through the store owned by the caller's identity. Passing an empty
// conversationID starts a new conversation.
//
// Everything upstream of the final completion call degrades on failure; only
// the completion itself is surfaced as a hard *GenerationError.
func (s *Service) Ask(ctx context.Context, id identity.Identity, conversationID, message string) (*conversation.Conversation, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}

	conv, err := s.resolve(ctx, id, conversationID)
	if err != nil {
		return nil, err
	}

	guardKey := s.guardKey(id, conv)
	if !s.acquire(guardKey) {
		return nil, ErrBusy
	}
	defer s.release(guardKey)

	systemPrompt := s.assemblePrompt(ctx, id, message)

	history := s.completionHistory(conv, message)
	reply, err := s.llm.Complete(ctx, systemPrompt, history)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	return s.persistExchange(ctx, id, conv, message, reply)
}

// assemblePrompt builds the grounding system prompt. Each stage soft-fails:
// a dead index or embedding service produces a less grounded prompt, not an
// error.
func (s *Service) assemblePrompt(ctx context.Context, id identity.Identity, message string) string {
	var contextBlock string
	embedding, err := s.rag.EnhancedEmbedding(ctx, message)
	if err != nil {
		s.logger.Warn("query embedding unavailable, answering without retrieval", zap.Error(err))
	} else {
		matches, err := s.rag.Retrieve(ctx, embedding, rag.DefaultTopK)
		if err != nil {
			s.logger.Warn("retrieval failed, answering without context", zap.Error(err))
		} else {
			contextBlock = rag.BuildContext(matches)
		}
	}

	var insights rag.Insights
	if contextBlock != "" {
		insights = s.rag.ExtractTopicsEntities(ctx, contextBlock)
	}

	personalText := s.personal.PersonalizedContext(ctx, id)

	return rag.ComposeSystemPrompt(contextBlock, insights.Topics, insights.Entities, personalText)
}

// completionHistory converts the conversation tail into completion turns and
// guarantees the current user message is the final entry.
func (s *Service) completionHistory(conv *conversation.Conversation, message string) []llm.Turn {
	var past []conversation.Message
	if conv != nil {
		past = conversation.LoadHistory(conv)
		if len(past) > historyLimit {
			past = past[len(past)-historyLimit:]
		}
	}

	turns := make([]llm.Turn, 0, len(past)+1)
	for _, msg := range past {
		role := llm.RoleUser
		if msg.Role == conversation.RoleAssistant {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Content: msg.Content})
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != llm.RoleUser || turns[len(turns)-1].Content != message {
		turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: message})
	}
	return turns
}

func (s *Service) persistExchange(ctx context.Context, id identity.Identity, conv *conversation.Conversation, message, reply string) (*conversation.Conversation, error) {
	now := time.Now()
	isNew := conv == nil
	conv = conversation.AppendExchange(conv, id.ConversationOwner(), message, reply, now)

	if id.IsGuest() {
		s.sessions.Put(id.SessionID, conv)
		if isNew {
			go s.generateTitle(id, conv.ID, message)
		}
		return conv, nil
	}

	if isNew {
		stored, err := s.durable.InsertConversation(ctx, *conv)
		if err != nil {
			return nil, err
		}
		conv = &stored
		go s.generateTitle(id, conv.ID, message)
		return conv, nil
	}

	newMsgs := conv.History[len(conv.History)-2:]
	if err := s.durable.AppendHistory(ctx, conv.ID, newMsgs); err != nil {
		return nil, err
	}
	return conv, nil
}

// resolve loads the active conversation for the identity, or nil for a new
// one.
func (s *Service) resolve(ctx context.Context, id identity.Identity, conversationID string) (*conversation.Conversation, error) {
	if conversationID == "" {
		return nil, nil
	}
	if id.IsGuest() {
		conv := s.sessions.Get(id.SessionID, conversationID)
		if conv == nil {
			return nil, ErrNotFound
		}
		return conv, nil
	}
	conv, err := s.durable.GetConversation(ctx, conversationID, id.User.ID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	return conv, nil
}

func (s *Service) guardKey(id identity.Identity, conv *conversation.Conversation) string {
	if conv != nil {
		return conv.ID
	}
	if id.IsGuest() {
		return "session:" + id.SessionID
	}
	return "user:" + id.User.ID
}

func (s *Service) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[key] {
		return false
	}
	s.inFlight[key] = true
	return true
}

func (s *Service) release(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}

// generateTitle asks for a short conversation title after the first exchange
// and stores it in whichever store owns the conversation. Best effort.
func (s *Service) generateTitle(id identity.Identity, conversationID, basis string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with: %q", basis)
	title, err := s.llm.Complete(ctx, titleInstruction, []llm.Turn{{Role: llm.RoleUser, Content: prompt}})
	if err != nil {
		s.logger.Warn("title generation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	title = strings.Trim(title, "\"'\n\r\t .")
	if title == "" {
		return
	}

	if id.IsGuest() {
		s.sessions.Update(id.SessionID, conversationID, func(conv *conversation.Conversation) {
			conv.Title = title
		})
		return
	}
	if err := s.durable.UpdateTitle(ctx, conversationID, id.User.ID, title); err != nil {
		s.logger.Warn("failed to save generated title",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Conversations lists the identity's conversations, newest first.
func (s *Service) Conversations(ctx context.Context, id identity.Identity) ([]*conversation.Conversation, error) {
	if id.IsGuest() {
		convs := s.sessions.Conversations(id.SessionID)
		// Newest first, mirroring the durable ordering.
		for i, j := 0, len(convs)-1; i < j; i, j = i+1, j-1 {
			convs[i], convs[j] = convs[j], convs[i]
		}
		return convs, nil
	}

	stored, err := s.durable.ListConversations(ctx, id.User.ID)
	if err != nil {
		return nil, err
	}
	convs := make([]*conversation.Conversation, len(stored))
	for i := range stored {
		convs[i] = &stored[i]
	}
	return convs, nil
}

// Conversation loads one conversation with its history, synthesizing a
// legacy two-message history when the record predates history tracking.
func (s *Service) Conversation(ctx context.Context, id identity.Identity, conversationID string) (*conversation.Conversation, error) {
	if conversationID == "" {
		return nil, ErrNotFound
	}
	conv, err := s.resolve(ctx, id, conversationID)
	if err != nil {
		return nil, err
	}
	conv.History = conversation.LoadHistory(conv)
	return conv, nil
}

// Delete removes a conversation from whichever store owns it.
func (s *Service) Delete(ctx context.Context, id identity.Identity, conversationID string) error {
	if id.IsGuest() {
		if !s.sessions.Delete(id.SessionID, conversationID) {
			return ErrNotFound
		}
		return nil
	}
	return s.durable.DeleteConversation(ctx, conversationID, id.User.ID)
}
