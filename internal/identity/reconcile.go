package identity

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/conversation"
	"github.com/refbase-ai/refbase/internal/store"
)

// State of one guest session in the reconciliation machine.
type State string

const (
	StateGuest         State = "guest"
	StateMigrating     State = "migrating"
	StateAuthenticated State = "authenticated"
)

// MigrationError reports a partially failed migration. Non-fatal: the guest
// data stays in the session store for a manual retry. There is no idempotency
// key, so a retried migration can duplicate the conversations that did land.
type MigrationError struct {
	Migrated int
	Failed   int
	Errs     []error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrated %d conversation(s), %d failed", e.Migrated, e.Failed)
}

// DurableStore is the slice of the document store migration needs.
type DurableStore interface {
	InsertConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error)
}

// Reconciler moves guest-held conversations into an authenticated user's
// durable store on sign-in and tracks each session's position in the
// Guest -> Migrating -> Authenticated machine.
type Reconciler struct {
	durable  DurableStore
	sessions *store.SessionStore
	logger   *zap.Logger

	mu     sync.Mutex
	states map[string]State
}

func NewReconciler(durable DurableStore, sessions *store.SessionStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		durable:  durable,
		sessions: sessions,
		logger:   logger,
		states:   make(map[string]State),
	}
}

func (r *Reconciler) State(sessionID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.states[sessionID]; ok {
		return state
	}
	return StateGuest
}

func (r *Reconciler) setState(sessionID string, state State) {
	r.mu.Lock()
	r.states[sessionID] = state
	r.mu.Unlock()
}

// SignIn migrates every conversation held by the guest session into the
// durable store under the authenticated user, with fresh server timestamps.
// Only on full success is the session store cleared. A partial failure
// preserves all guest data and returns *MigrationError; the migration is not
// re-attempted automatically.
func (r *Reconciler) SignIn(ctx context.Context, sessionID string, user *User) error {
	r.setState(sessionID, StateMigrating)

	guestConvs := r.sessions.Conversations(sessionID)
	migErr := &MigrationError{}
	for _, conv := range guestConvs {
		migrated := *conv
		migrated.Owner = conversation.UserOwner(user.ID)
		if _, err := r.durable.InsertConversation(ctx, migrated); err != nil {
			r.logger.Error("failed to migrate guest conversation",
				zap.String("session_id", sessionID),
				zap.String("conversation_id", conv.ID),
				zap.Error(err))
			migErr.Failed++
			migErr.Errs = append(migErr.Errs, err)
			continue
		}
		migErr.Migrated++
	}

	// The user is authenticated either way; only the cleanup is conditional.
	r.setState(sessionID, StateAuthenticated)

	if migErr.Failed > 0 {
		return migErr
	}

	if len(guestConvs) > 0 {
		r.sessions.Clear(sessionID)
		r.logger.Info("guest conversations migrated",
			zap.String("session_id", sessionID),
			zap.String("user_id", user.ID),
			zap.Int("count", migErr.Migrated))
	}
	return nil
}

// SignOut returns the session to the guest state.
func (r *Reconciler) SignOut(sessionID string) {
	r.setState(sessionID, StateGuest)
}
