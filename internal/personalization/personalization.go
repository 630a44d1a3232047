// Package personalization records per-message feedback and derives the
// "what worked before" context snippet from helpful-flagged messages.
package personalization

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/conversation"
	"github.com/refbase-ai/refbase/internal/identity"
	"github.com/refbase-ai/refbase/internal/store"
)

const (
	guestHelpfulLimit = 3
	userHelpfulLimit  = 5
)

// DurableFeedback is the slice of the document store the engine needs for
// authenticated identities.
type DurableFeedback interface {
	UpdateFeedback(ctx context.Context, userID, messageID string, fb *conversation.Feedback) (bool, error)
	HelpfulMessages(ctx context.Context, userID string, limit int) ([]conversation.Message, error)
}

type Engine struct {
	durable  DurableFeedback
	sessions *store.SessionStore
	logger   *zap.Logger
}

func NewEngine(durable DurableFeedback, sessions *store.SessionStore, logger *zap.Logger) *Engine {
	return &Engine{durable: durable, sessions: sessions, logger: logger}
}

// RecordFeedback overwrites the feedback value of one message. Setting the
// same value twice is a no-op the second time; a nil fb clears the rating.
// Returns whether a matching message was found.
func (e *Engine) RecordFeedback(ctx context.Context, id identity.Identity, messageID string, fb *conversation.Feedback) (bool, error) {
	if !id.IsGuest() {
		return e.durable.UpdateFeedback(ctx, id.User.ID, messageID, fb)
	}

	convs := e.sessions.Conversations(id.SessionID)
	for _, conv := range convs {
		for i := range conv.History {
			if conv.History[i].ID != messageID {
				continue
			}
			conv.History[i].Feedback = fb
			e.sessions.Replace(id.SessionID, convs)
			return true, nil
		}
	}
	return false, nil
}

// PersonalizedContext joins the identity's most recent helpful-flagged
// message contents, newest first, separated by blank lines. Guests get at
// most 3, authenticated users at most 5. Returns "" when nothing is flagged;
// a store read failure degrades to "" as well, since personalization is
// never allowed to fail a request.
func (e *Engine) PersonalizedContext(ctx context.Context, id identity.Identity) string {
	var helpful []conversation.Message

	if id.IsGuest() {
		for _, conv := range e.sessions.Conversations(id.SessionID) {
			for _, msg := range conv.History {
				if msg.Feedback != nil && *msg.Feedback == conversation.FeedbackHelpful {
					helpful = append(helpful, msg)
				}
			}
		}
		sort.SliceStable(helpful, func(i, j int) bool {
			return helpful[i].Timestamp.After(helpful[j].Timestamp)
		})
		if len(helpful) > guestHelpfulLimit {
			helpful = helpful[:guestHelpfulLimit]
		}
	} else {
		var err error
		helpful, err = e.durable.HelpfulMessages(ctx, id.User.ID, userHelpfulLimit)
		if err != nil {
			e.logger.Warn("failed to load helpful messages, skipping personalization",
				zap.String("user_id", id.User.ID), zap.Error(err))
			return ""
		}
	}

	contents := make([]string, 0, len(helpful))
	for _, msg := range helpful {
		contents = append(contents, msg.Content)
	}
	return strings.Join(contents, "\n\n")
}
