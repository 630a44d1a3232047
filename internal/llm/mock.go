package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
)

// Mock is the Client used when no provider is configured, and the scripted
// double the test suites inject. Its embeddings are pseudo-random unit-scaled
// vectors drawn from the supplied source, so they are reproducible under a
// fixed seed and never mistakable for real embeddings.
type Mock struct {
	Dim int

	mu  sync.Mutex
	rng *rand.Rand

	// Optional overrides. When set they replace the default behavior.
	EmbedFunc    func(ctx context.Context, text string) ([]float32, error)
	CompleteFunc func(ctx context.Context, systemPrompt string, history []Turn) (string, error)
}

func NewMock(dim int, src rand.Source) *Mock {
	return &Mock{
		Dim: dim,
		rng: rand.New(src),
	}
}

func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	if strings.TrimSpace(text) == "" {
		return nil, &EmbeddingError{Err: fmt.Errorf("text is empty")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	vec := make([]float32, m.Dim)
	var sumSquares float64
	for i := range vec {
		vec[i] = m.rng.Float32()*2 - 1
		sumSquares += float64(vec[i]) * float64(vec[i])
	}
	if sumSquares == 0 {
		vec[0] = 1
		return vec, nil
	}
	norm := float32(1 / math.Sqrt(sumSquares))
	for i := range vec {
		vec[i] *= norm
	}
	return vec, nil
}

func (m *Mock) Complete(ctx context.Context, systemPrompt string, history []Turn) (string, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, systemPrompt, history)
	}
	if err := validateHistory(history); err != nil {
		return "", err
	}
	return fmt.Sprintf("[mock completion] %s", history[len(history)-1].Content), nil
}
