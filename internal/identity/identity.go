// Package identity models the per-request identity context and the
// guest-to-authenticated reconciliation state machine.
package identity

import (
	"github.com/refbase-ai/refbase/internal/conversation"
)

// User is a stable authenticated identity issued by the identity provider.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Identity is the tagged identity context selected once per request: either
// a guest session id or an authenticated user, never both.
type Identity struct {
	SessionID string
	User      *User
}

func Guest(sessionID string) Identity {
	return Identity{SessionID: sessionID}
}

func Authenticated(user *User) Identity {
	return Identity{User: user}
}

func (id Identity) IsGuest() bool { return id.User == nil }

// ConversationOwner maps the identity onto a conversation ownership tag.
func (id Identity) ConversationOwner() conversation.Owner {
	if id.IsGuest() {
		return conversation.GuestOwner(id.SessionID)
	}
	return conversation.UserOwner(id.User.ID)
}
