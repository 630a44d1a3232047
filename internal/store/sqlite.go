// Package store implements the two persistence collaborators: the durable
// SQLite document store for authenticated data and the device-scoped session
// cache for guest data.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/conversation"
	"github.com/refbase-ai/refbase/internal/vector"
)

// PersistenceError wraps a document store read/write failure. Callers surface
// it as a dismissable user-visible error and leave application state
// unchanged.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func perr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type DocumentStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewDocumentStore(dataSourceName string, logger *zap.Logger) (*DocumentStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &DocumentStore{db: db, logger: logger}
	if err = s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *DocumentStore) Close() error {
	return s.db.Close()
}

func (s *DocumentStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        email TEXT UNIQUE NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT,
        input TEXT,    -- legacy denormalized field, read-only
        response TEXT, -- legacy denormalized field, read-only
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        feedback TEXT CHECK (feedback IN ('helpful', 'not_helpful')),
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE TABLE IF NOT EXISTS chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        content TEXT NOT NULL,
        embedding_json TEXT -- JSON-encoded []float32
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *DocumentStore) GetOrCreateUser(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, created_at FROM users WHERE email = ?", email).
		Scan(&user.ID, &user.Email, &user.CreatedAt)
	if err == nil {
		return &user, nil
	}
	if err != sql.ErrNoRows {
		return nil, perr("user lookup", err)
	}

	user = User{ID: uuid.NewString(), Email: email, CreatedAt: time.Now()}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)",
		user.ID, user.Email, user.CreatedAt)
	if err != nil {
		return nil, perr("user insert", err)
	}
	return &user, nil
}

// Conversation methods

// InsertConversation stores conv under a server-assigned id and timestamp and
// returns the stored copy. The caller's id is deliberately not reused: guest
// ids are local artifacts and must not leak into the durable store.
func (s *DocumentStore) InsertConversation(ctx context.Context, conv conversation.Conversation) (conversation.Conversation, error) {
	if conv.Owner.UserID == "" {
		return conversation.Conversation{}, perr("conversation insert", fmt.Errorf("conversation has no user owner"))
	}

	stored := conv
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conversation.Conversation{}, perr("conversation insert", err)
	}
	defer tx.Rollback()

	var title any
	if conv.Title != "" {
		title = conv.Title
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO conversations (id, user_id, title, created_at) VALUES (?, ?, ?, ?)",
		stored.ID, stored.Owner.UserID, title, stored.CreatedAt)
	if err != nil {
		return conversation.Conversation{}, perr("conversation insert", err)
	}

	for i := range stored.History {
		if err := insertMessage(ctx, tx, stored.ID, &stored.History[i]); err != nil {
			return conversation.Conversation{}, perr("conversation insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return conversation.Conversation{}, perr("conversation insert", err)
	}
	return stored, nil
}

// AppendHistory merges msgs into the stored history. INSERT OR IGNORE keyed
// by message id gives union semantics, so two near-simultaneous appends both
// land instead of the later one clobbering the earlier.
func (s *DocumentStore) AppendHistory(ctx context.Context, conversationID string, msgs []conversation.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return perr("history append", err)
	}
	defer tx.Rollback()

	for i := range msgs {
		if err := appendMessage(ctx, tx, conversationID, &msgs[i]); err != nil {
			return perr("history append", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return perr("history append", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, msg *conversation.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO messages (id, conversation_id, role, content, timestamp, feedback) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, conversationID, msg.Role, msg.Content, msg.Timestamp, feedbackValue(msg.Feedback))
	return err
}

func appendMessage(ctx context.Context, tx *sql.Tx, conversationID string, msg *conversation.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO messages (id, conversation_id, role, content, timestamp, feedback) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, conversationID, msg.Role, msg.Content, msg.Timestamp, feedbackValue(msg.Feedback))
	return err
}

func feedbackValue(fb *conversation.Feedback) any {
	if fb == nil {
		return nil
	}
	return string(*fb)
}

// GetConversation loads a conversation with its full message history. Returns
// (nil, nil) when no conversation matches the id and owner.
func (s *DocumentStore) GetConversation(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error) {
	var conv conversation.Conversation
	var title, input, response sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, title, input, response, created_at FROM conversations WHERE id = ? AND user_id = ?",
		conversationID, userID).
		Scan(&conv.ID, &conv.Owner.UserID, &title, &input, &response, &conv.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, perr("conversation lookup", err)
	}
	conv.Title = title.String
	conv.LegacyInput = input.String
	conv.LegacyResponse = response.String

	conv.History, err = s.messagesFor(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *DocumentStore) messagesFor(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	// An exchange's user and assistant messages share one timestamp; rowid
	// breaks the tie in insertion order.
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, timestamp, feedback FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC, rowid ASC",
		conversationID)
	if err != nil {
		return nil, perr("message query", err)
	}
	defer rows.Close()

	var messages []conversation.Message
	for rows.Next() {
		var msg conversation.Message
		var fb sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Timestamp, &fb); err != nil {
			return nil, perr("message scan", err)
		}
		if fb.Valid {
			f := conversation.Feedback(fb.String)
			msg.Feedback = &f
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListConversations returns the user's conversations newest first, without
// message history.
func (s *DocumentStore) ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, title, input, response, created_at FROM conversations WHERE user_id = ? ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, perr("conversation list", err)
	}
	defer rows.Close()

	var convs []conversation.Conversation
	for rows.Next() {
		var conv conversation.Conversation
		var title, input, response sql.NullString
		if err := rows.Scan(&conv.ID, &conv.Owner.UserID, &title, &input, &response, &conv.CreatedAt); err != nil {
			return nil, perr("conversation scan", err)
		}
		conv.Title = title.String
		conv.LegacyInput = input.String
		conv.LegacyResponse = response.String
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *DocumentStore) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return perr("conversation delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM conversations WHERE id = ? AND user_id = ?", conversationID, userID)
	if err != nil {
		return perr("conversation delete", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return perr("conversation delete", fmt.Errorf("conversation not found"))
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return perr("conversation delete", err)
	}
	if err := tx.Commit(); err != nil {
		return perr("conversation delete", err)
	}
	return nil
}

func (s *DocumentStore) UpdateTitle(ctx context.Context, conversationID, userID, title string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?", title, conversationID, userID)
	if err != nil {
		return perr("title update", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return perr("title update", fmt.Errorf("conversation not found"))
	}
	return nil
}

// Feedback methods

// UpdateFeedback overwrites the feedback value of one message owned by
// userID. A nil fb clears the rating. Returns whether a message matched.
func (s *DocumentStore) UpdateFeedback(ctx context.Context, userID, messageID string, fb *conversation.Feedback) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE messages SET feedback = ?
        WHERE id = ? AND conversation_id IN (SELECT id FROM conversations WHERE user_id = ?)`,
		feedbackValue(fb), messageID, userID)
	if err != nil {
		return false, perr("feedback update", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// HelpfulMessages returns the user's most recently helpful-flagged messages,
// newest first, at most limit of them.
func (s *DocumentStore) HelpfulMessages(ctx context.Context, userID string, limit int) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT m.id, m.role, m.content, m.timestamp, m.feedback
        FROM messages m
        JOIN conversations c ON c.id = m.conversation_id
        WHERE c.user_id = ? AND m.feedback = 'helpful'
        ORDER BY m.timestamp DESC, m.rowid DESC
        LIMIT ?`, userID, limit)
	if err != nil {
		return nil, perr("helpful message query", err)
	}
	defer rows.Close()

	var messages []conversation.Message
	for rows.Next() {
		var msg conversation.Message
		var fb sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Timestamp, &fb); err != nil {
			return nil, perr("helpful message scan", err)
		}
		if fb.Valid {
			f := conversation.Feedback(fb.String)
			msg.Feedback = &f
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Corpus chunk methods

func (s *DocumentStore) AllChunks(ctx context.Context) ([]vector.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, content, embedding_json FROM chunks")
	if err != nil {
		return nil, perr("chunk query", err)
	}
	defer rows.Close()

	var chunks []vector.Chunk
	for rows.Next() {
		var id int64
		var chunk vector.Chunk
		var embeddingJSON sql.NullString
		if err := rows.Scan(&id, &chunk.Content, &embeddingJSON); err != nil {
			return nil, perr("chunk scan", err)
		}
		chunk.ID = strconv.FormatInt(id, 10)
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &chunk.Embedding); err != nil {
				s.logger.Warn("failed to decode chunk embedding, leaving empty",
					zap.String("chunk_id", chunk.ID), zap.Error(err))
				chunk.Embedding = nil
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *DocumentStore) InsertChunk(ctx context.Context, content string, embedding []float32) error {
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return perr("chunk insert", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO chunks (content, embedding_json) VALUES (?, ?)", content, string(embeddingJSON))
	if err != nil {
		return perr("chunk insert", err)
	}
	return nil
}

func (s *DocumentStore) ClearChunks(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return perr("chunk clear", err)
	}
	return nil
}
