// Package conversation defines the message and conversation entities and the
// append/merge semantics for conversation history.
package conversation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Feedback is the per-message rating. A nil *Feedback means unrated.
type Feedback string

const (
	FeedbackHelpful    Feedback = "helpful"
	FeedbackNotHelpful Feedback = "not_helpful"
)

func (f Feedback) Valid() bool {
	return f == FeedbackHelpful || f == FeedbackNotHelpful
}

// Message is one turn of a conversation. Immutable after creation except for
// Feedback. IDs are unique within the scope they are looked up in:
// per-conversation for guests, per-user message collection for
// authenticated users.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Feedback  *Feedback `json:"feedback,omitempty"`
}

// Owner identifies the single identity context a conversation belongs to.
// Exactly one of GuestID/UserID is set; ownership transfers atomically during
// guest-to-authenticated reconciliation and is never shared.
type Owner struct {
	GuestID string `json:"guest_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

func GuestOwner(guestID string) Owner { return Owner{GuestID: guestID} }
func UserOwner(userID string) Owner   { return Owner{UserID: userID} }

func (o Owner) Validate() error {
	if (o.GuestID == "") == (o.UserID == "") {
		return fmt.Errorf("exactly one of guest or user owner must be set")
	}
	return nil
}

func (o Owner) IsGuest() bool { return o.GuestID != "" }

// Conversation is an exchange history owned by one identity context. History
// grows append-only, two messages per exchange. The latest input/response
// pair is derived from the history tail rather than stored separately.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Owner     Owner     `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	History   []Message `json:"history"`

	// Denormalized fields from records created before history tracking
	// existed. Only consulted by LoadHistory; never written for new records.
	LegacyInput    string `json:"-"`
	LegacyResponse string `json:"-"`
}

// Input returns the most recent user message content, or "" for an empty
// history.
func (c *Conversation) Input() string {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Role == RoleUser {
			return c.History[i].Content
		}
	}
	return ""
}

// Response returns the most recent assistant message content, or "".
func (c *Conversation) Response() string {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Role == RoleAssistant {
			return c.History[i].Content
		}
	}
	return ""
}

// NewGuestID builds a locally-generated conversation id for guest sessions.
func NewGuestID(now time.Time) string {
	return fmt.Sprintf("guest-%d", now.UnixMilli())
}

// AppendExchange appends a user/assistant turn pair to conv, creating the
// conversation when conv is nil. The returned conversation is the same
// pointer when conv was non-nil.
func AppendExchange(conv *Conversation, owner Owner, userText, assistantText string, now time.Time) *Conversation {
	if conv == nil {
		id := uuid.NewString()
		if owner.IsGuest() {
			id = NewGuestID(now)
		}
		conv = &Conversation{
			ID:        id,
			Owner:     owner,
			CreatedAt: now,
		}
	}

	conv.History = append(conv.History,
		Message{ID: uuid.NewString(), Role: RoleUser, Content: userText, Timestamp: now},
		Message{ID: uuid.NewString(), Role: RoleAssistant, Content: assistantText, Timestamp: now},
	)
	return conv
}

// LoadHistory returns the conversation's history, synthesizing a two-message
// history from the legacy input/response pair for records created before
// history tracking existed. Synthesized timestamps default to the
// conversation's creation time, which may be the zero value for imported
// data. Legacy data gives no guarantee of even user/assistant pairing.
func LoadHistory(conv *Conversation) []Message {
	if len(conv.History) > 0 {
		return conv.History
	}
	if conv.LegacyInput == "" && conv.LegacyResponse == "" {
		return nil
	}

	var history []Message
	if conv.LegacyInput != "" {
		history = append(history, Message{
			ID:        uuid.NewString(),
			Role:      RoleUser,
			Content:   conv.LegacyInput,
			Timestamp: conv.CreatedAt,
		})
	}
	if conv.LegacyResponse != "" {
		history = append(history, Message{
			ID:        uuid.NewString(),
			Role:      RoleAssistant,
			Content:   conv.LegacyResponse,
			Timestamp: conv.CreatedAt,
		})
	}
	return history
}

// Clone returns a deep copy. The session cache hands out clones so callers
// cannot mutate shared state behind its back.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.History = make([]Message, len(c.History))
	copy(clone.History, c.History)
	for i := range clone.History {
		if c.History[i].Feedback != nil {
			fb := *c.History[i].Feedback
			clone.History[i].Feedback = &fb
		}
	}
	return &clone
}
