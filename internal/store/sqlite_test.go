package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/conversation"
)

func newTestDocumentStore(t *testing.T) *DocumentStore {
	t.Helper()
	s, err := NewDocumentStore(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *DocumentStore) *User {
	t.Helper()
	user, err := s.GetOrCreateUser(context.Background(), "test@example.com")
	require.NoError(t, err)
	return user
}

func insertTestConversation(t *testing.T, s *DocumentStore, userID string) conversation.Conversation {
	t.Helper()
	conv := conversation.AppendExchange(nil, conversation.UserOwner(userID), "what is RAG?", "retrieval augmented generation", time.Now())
	stored, err := s.InsertConversation(context.Background(), *conv)
	require.NoError(t, err)
	return stored
}

func TestGetOrCreateUser(t *testing.T) {
	s := newTestDocumentStore(t)
	ctx := context.Background()

	created, err := s.GetOrCreateUser(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	found, err := s.GetOrCreateUser(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	other, err := s.GetOrCreateUser(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)
}

func TestInsertConversation(t *testing.T) {
	s := newTestDocumentStore(t)
	user := newTestUser(t, s)
	ctx := context.Background()

	t.Run("assigns a server-side id", func(t *testing.T) {
		guest := conversation.AppendExchange(nil, conversation.GuestOwner("sess"), "q", "a", time.Now())
		guest.Owner = conversation.UserOwner(user.ID)

		stored, err := s.InsertConversation(ctx, *guest)
		require.NoError(t, err)
		assert.NotEqual(t, guest.ID, stored.ID)

		loaded, err := s.GetConversation(ctx, stored.ID, user.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		require.Len(t, loaded.History, 2)
		assert.Equal(t, "q", loaded.Input())
		assert.Equal(t, "a", loaded.Response())
	})

	t.Run("rejects guest-owned records", func(t *testing.T) {
		guest := conversation.AppendExchange(nil, conversation.GuestOwner("sess"), "q", "a", time.Now())
		_, err := s.InsertConversation(ctx, *guest)
		var pe *PersistenceError
		assert.ErrorAs(t, err, &pe)
	})
}

func TestAppendHistory(t *testing.T) {
	s := newTestDocumentStore(t)
	user := newTestUser(t, s)
	ctx := context.Background()

	stored := insertTestConversation(t, s, user.ID)

	newPair := []conversation.Message{
		{ID: "m3", Role: conversation.RoleUser, Content: "follow-up", Timestamp: time.Now()},
		{ID: "m4", Role: conversation.RoleAssistant, Content: "answer", Timestamp: time.Now()},
	}
	require.NoError(t, s.AppendHistory(ctx, stored.ID, newPair))

	// Duplicate ids are ignored so reconciling writers converge to a union.
	require.NoError(t, s.AppendHistory(ctx, stored.ID, newPair))

	loaded, err := s.GetConversation(ctx, stored.ID, user.ID)
	require.NoError(t, err)
	require.Len(t, loaded.History, 4)
	assert.Equal(t, "follow-up", loaded.Input())
	assert.Equal(t, "answer", loaded.Response())
}

func TestGetConversation(t *testing.T) {
	s := newTestDocumentStore(t)
	user := newTestUser(t, s)
	ctx := context.Background()

	t.Run("absent returns nil without error", func(t *testing.T) {
		loaded, err := s.GetConversation(ctx, "missing", user.ID)
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("other user's conversation is invisible", func(t *testing.T) {
		stored := insertTestConversation(t, s, user.ID)
		loaded, err := s.GetConversation(ctx, stored.ID, "someone-else")
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})

	t.Run("legacy columns surface for old records", func(t *testing.T) {
		_, err := s.db.Exec(
			"INSERT INTO conversations (id, user_id, input, response, created_at) VALUES (?, ?, ?, ?, ?)",
			"legacy-1", user.ID, "old q", "old a", time.Now())
		require.NoError(t, err)

		loaded, err := s.GetConversation(ctx, "legacy-1", user.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Empty(t, loaded.History)
		assert.Equal(t, "old q", loaded.LegacyInput)
		assert.Equal(t, "old a", loaded.LegacyResponse)

		history := conversation.LoadHistory(loaded)
		require.Len(t, history, 2)
		assert.Equal(t, "old q", history[0].Content)
	})
}

func TestGetConversationPreservesExchangeOrder(t *testing.T) {
	s := newTestDocumentStore(t)
	user := newTestUser(t, s)
	ctx := context.Background()

	// Both messages of an exchange carry one timestamp, and ids are not
	// ordered; reload must still yield user-then-assistant.
	ts := time.Now()
	conv := conversation.Conversation{
		Owner: conversation.UserOwner(user.ID),
		History: []conversation.Message{
			{ID: "zz-user", Role: conversation.RoleUser, Content: "q", Timestamp: ts},
			{ID: "aa-assistant", Role: conversation.RoleAssistant, Content: "a", Timestamp: ts},
		},
	}
	stored, err := s.InsertConversation(ctx, conv)
	require.NoError(t, err)

	require.NoError(t, s.AppendHistory(ctx, stored.ID, []conversation.Message{
		{ID: "yy-user", Role: conversation.RoleUser, Content: "q2", Timestamp: ts.Add(time.Second)},
		{ID: "bb-assistant", Role: conversation.RoleAssistant, Content: "a2", Timestamp: ts.Add(time.Second)},
	}))

	loaded, err := s.GetConversation(ctx, stored.ID, user.ID)
	require.NoError(t, err)
	require.Len(t, loaded.History, 4)
	assert.Equal(t, conversation.RoleUser, loaded.History[0].Role)
	assert.Equal(t, conversation.RoleAssistant, loaded.History[1].Role)
	assert.Equal(t, conversation.RoleUser, loaded.History[2].Role)
	assert.Equal(t, conversation.RoleAssistant, loaded.History[3].Role)
}

func TestListConversations(t *testing.T) {
	s := newTestDocumentStore(t)
	user := newTestUser(t, s)
	ctx := context.Background()

	first := insertTestConversation(t, s, user.ID)
	time.Sleep(5 * time.Millisecond)
	second := insertTestConversation(t, s, user.ID)

	convs, err := s.ListConversations(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, second.ID, convs[0].ID)
	assert.Equal(t, first.ID, convs[1].ID)
	assert.Empty(t, convs[0].History)
}

func TestDeleteConversation(t *testing.T) {
	s := newTestDocumentStore(t)
	user := newTestUser(t, s)
	ctx := context.Background()

	stored := insertTestConversation(t, s, user.ID)
	require.NoError(t, s.DeleteConversation(ctx, stored.ID, user.ID))

	loaded, err := s.GetConversation(ctx, stored.ID, user.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	err = s.DeleteConversation(ctx, stored.ID, user.ID)
	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)
}

func TestUpdateFeedback(t *testing.T) {
	s := newTestDocumentStore(t)
	user := newTestUser(t, s)
	ctx := context.Background()

	stored := insertTestConversation(t, s, user.ID)
	msgID := stored.History[1].ID
	helpful := conversation.FeedbackHelpful
	notHelpful := conversation.FeedbackNotHelpful

	ok, err := s.UpdateFeedback(ctx, user.ID, msgID, &helpful)
	require.NoError(t, err)
	assert.True(t, ok)

	// Overwrite, not append.
	ok, err = s.UpdateFeedback(ctx, user.ID, msgID, &notHelpful)
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := s.GetConversation(ctx, stored.ID, user.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.History[1].Feedback)
	assert.Equal(t, notHelpful, *loaded.History[1].Feedback)

	t.Run("nil clears the rating", func(t *testing.T) {
		ok, err := s.UpdateFeedback(ctx, user.ID, msgID, nil)
		require.NoError(t, err)
		assert.True(t, ok)

		loaded, err := s.GetConversation(ctx, stored.ID, user.ID)
		require.NoError(t, err)
		assert.Nil(t, loaded.History[1].Feedback)
	})

	t.Run("unknown message reports no match", func(t *testing.T) {
		ok, err := s.UpdateFeedback(ctx, user.ID, "missing", &helpful)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("other user's message reports no match", func(t *testing.T) {
		ok, err := s.UpdateFeedback(ctx, "someone-else", msgID, &helpful)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestHelpfulMessages(t *testing.T) {
	s := newTestDocumentStore(t)
	user := newTestUser(t, s)
	ctx := context.Background()

	helpful := conversation.FeedbackHelpful
	base := time.Now().Add(-time.Hour)
	conv := conversation.Conversation{Owner: conversation.UserOwner(user.ID)}
	for i := 0; i < 7; i++ {
		conv.History = append(conv.History, conversation.Message{
			Role:      conversation.RoleAssistant,
			Content:   "answer " + string(rune('a'+i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Feedback:  &helpful,
		})
	}
	_, err := s.InsertConversation(ctx, conv)
	require.NoError(t, err)

	messages, err := s.HelpfulMessages(ctx, user.ID, 5)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	assert.Equal(t, "answer g", messages[0].Content)
	assert.Equal(t, "answer c", messages[4].Content)
}

func TestChunkStorage(t *testing.T) {
	s := newTestDocumentStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertChunk(ctx, "first chunk", []float32{1, 0, 0}))
	require.NoError(t, s.InsertChunk(ctx, "second chunk", []float32{0, 1, 0}))

	chunks, err := s.AllChunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first chunk", chunks[0].Content)
	assert.Equal(t, []float32{1, 0, 0}, chunks[0].Embedding)

	require.NoError(t, s.ClearChunks(ctx))
	chunks, err = s.AllChunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
