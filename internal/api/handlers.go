// Package api exposes the assistant over HTTP. Guests identify themselves
// with an X-Session-ID header; authenticated users with a bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/auth"
	"github.com/refbase-ai/refbase/internal/chat"
	"github.com/refbase-ai/refbase/internal/conversation"
	"github.com/refbase-ai/refbase/internal/identity"
	"github.com/refbase-ai/refbase/internal/personalization"
	"github.com/refbase-ai/refbase/internal/store"
)

const sessionHeader = "X-Session-ID"

type contextKey string

const identityKey contextKey = "identity"

// UserDirectory resolves authenticated users, backed by the document store.
type UserDirectory interface {
	GetOrCreateUser(ctx context.Context, email string) (*store.User, error)
}

type Handler struct {
	chatService *chat.Service
	personal    *personalization.Engine
	reconciler  *identity.Reconciler
	users       UserDirectory
	tokens      *auth.Tokens
	logger      *zap.Logger
}

func NewHandler(cs *chat.Service, personal *personalization.Engine, reconciler *identity.Reconciler, users UserDirectory, tokens *auth.Tokens, logger *zap.Logger) *Handler {
	return &Handler{
		chatService: cs,
		personal:    personal,
		reconciler:  reconciler,
		users:       users,
		tokens:      tokens,
		logger:      logger,
	}
}

func (h *Handler) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// IdentityMiddleware resolves the request identity: a valid bearer token
// wins, otherwise the session header names a guest session. Requests with
// neither get a fresh guest session id, echoed back in the response header.
func (h *Handler) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id identity.Identity

		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			userID, email, err := h.tokens.Validate(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			id = identity.Authenticated(&identity.User{ID: userID, Email: email})
		} else {
			sessionID := r.Header.Get(sessionHeader)
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			w.Header().Set(sessionHeader, sessionID)
			id = identity.Guest(sessionID)
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIdentity(r *http.Request) identity.Identity {
	id, _ := r.Context().Value(identityKey).(identity.Identity)
	return id
}

type LoginRequest struct {
	Email string `json:"email"`
}

type LoginResponse struct {
	Token     string         `json:"token"`
	User      *identity.User `json:"user"`
	Migration string         `json:"migration,omitempty"`
}

// LoginHandler signs a user in and, when the request carries a guest session
// header, migrates that session's conversations into the user's durable
// store. A partial migration failure does not fail the login; guest data is
// preserved and the failure is reported in the response.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	user, err := h.users.GetOrCreateUser(r.Context(), req.Email)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.String("email", req.Email), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process identity")
		return
	}

	token, err := h.tokens.Generate(user.ID, user.Email)
	if err != nil {
		h.logger.Error("failed to generate token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	resp := LoginResponse{
		Token: token,
		User:  &identity.User{ID: user.ID, Email: user.Email},
	}

	if sessionID := r.Header.Get(sessionHeader); sessionID != "" {
		if err := h.reconciler.SignIn(r.Context(), sessionID, resp.User); err != nil {
			var migErr *identity.MigrationError
			if errors.As(err, &migErr) {
				resp.Migration = fmt.Sprintf(
					"%d of %d conversations could not be transferred; they remain available in this session",
					migErr.Failed, migErr.Failed+migErr.Migrated)
			} else {
				resp.Migration = "conversation transfer failed; guest conversations remain available in this session"
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.Header.Get(sessionHeader); sessionID != "" {
		h.reconciler.SignOut(sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

type AskRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// conversationResponse augments the entity with the derived input/response
// convenience fields.
type conversationResponse struct {
	*conversation.Conversation
	Input    string `json:"input"`
	Response string `json:"response"`
}

func toResponse(conv *conversation.Conversation) conversationResponse {
	return conversationResponse{
		Conversation: conv,
		Input:        conv.Input(),
		Response:     conv.Response(),
	}
}

func (h *Handler) AskHandler(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message cannot be empty")
		return
	}

	conv, err := h.chatService.Ask(r.Context(), requestIdentity(r), req.ConversationID, req.Message)
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(conv))
}

func (h *Handler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chatService.Conversations(r.Context(), requestIdentity(r))
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	out := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, toResponse(conv))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	conv, err := h.chatService.Conversation(r.Context(), requestIdentity(r), conversationID)
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(conv))
}

func (h *Handler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := h.chatService.Delete(r.Context(), requestIdentity(r), conversationID); err != nil {
		h.writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type FeedbackRequest struct {
	// Feedback is "helpful", "not_helpful", or null to clear the rating.
	Feedback *conversation.Feedback `json:"feedback"`
}

func (h *Handler) FeedbackHandler(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Feedback != nil && !req.Feedback.Valid() {
		writeError(w, http.StatusBadRequest, "feedback must be helpful, not_helpful, or null")
		return
	}

	found, err := h.personal.RecordFeedback(r.Context(), requestIdentity(r), messageID, req.Feedback)
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeChatError maps service errors onto the HTTP surface. Persistence
// failures become a transient, dismissable error payload; the generation
// failure is the one hard user-facing error and stays generic.
func (h *Handler) writeChatError(w http.ResponseWriter, err error) {
	var persistErr *store.PersistenceError
	var genErr *chat.GenerationError

	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, chat.ErrBusy):
		writeError(w, http.StatusConflict, "a response is already being generated for this conversation")
	case errors.As(err, &persistErr):
		h.logger.Error("persistence failure", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     "we couldn't save your data, please try again",
			"transient": true,
		})
	case errors.As(err, &genErr):
		h.logger.Error("generation failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, "I'm sorry, I encountered an error while processing your request.")
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing left to do.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
