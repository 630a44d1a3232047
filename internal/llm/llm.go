// Package llm adapts the external embedding and completion services behind a
// single provider-neutral client interface. Backends: Gemini, any
// OpenAI-compatible endpoint, and a mock used when nothing is configured.
package llm

import (
	"context"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a completion request's message history. The final
// entry sent to Complete must always be the current user turn.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Client interface {
	// Embed returns a fixed-dimension embedding vector for text. Text must be
	// non-empty. Failures are reported as *EmbeddingError and are never
	// swallowed at this layer; fallback policy belongs to the caller.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Complete sends the system prompt plus ordered message history to the
	// completion service and returns the generated text.
	Complete(ctx context.Context, systemPrompt string, history []Turn) (string, error)
}

// EmbeddingError wraps an embedding service or network failure.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding request failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func validateHistory(history []Turn) error {
	if len(history) == 0 {
		return fmt.Errorf("message history is empty")
	}
	if history[len(history)-1].Role != RoleUser {
		return fmt.Errorf("last message in history is not from %q", RoleUser)
	}
	return nil
}
