package rag

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/llm"
	"github.com/refbase-ai/refbase/internal/vector"
)

type staticIndex []vector.Match

func (s staticIndex) Query(ctx context.Context, vec []float32, k int) ([]vector.Match, error) {
	if len(s) > k {
		return s[:k], nil
	}
	return s, nil
}

func newTestEngine(client *llm.Mock, index vector.Index) *Engine {
	return NewEngine(client, index, zap.NewNop())
}

func TestExpandQuery(t *testing.T) {
	t.Run("well-formed expansion is returned", func(t *testing.T) {
		client := llm.NewMock(4, rand.NewSource(1))
		client.CompleteFunc = func(ctx context.Context, system string, history []llm.Turn) (string, error) {
			return "solar panels + photovoltaic installation efficiency", nil
		}
		engine := newTestEngine(client, nil)
		assert.Equal(t, "solar panels + photovoltaic installation efficiency",
			engine.ExpandQuery(context.Background(), "solar panels"))
	})

	t.Run("service failure falls back to original", func(t *testing.T) {
		client := llm.NewMock(4, rand.NewSource(1))
		client.CompleteFunc = func(ctx context.Context, system string, history []llm.Turn) (string, error) {
			return "", fmt.Errorf("service down")
		}
		engine := newTestEngine(client, nil)
		assert.Equal(t, "solar panels", engine.ExpandQuery(context.Background(), "solar panels"))
	})

	t.Run("response not preserving original falls back", func(t *testing.T) {
		client := llm.NewMock(4, rand.NewSource(1))
		client.CompleteFunc = func(ctx context.Context, system string, history []llm.Turn) (string, error) {
			return "something entirely different", nil
		}
		engine := newTestEngine(client, nil)
		assert.Equal(t, "solar panels", engine.ExpandQuery(context.Background(), "solar panels"))
	})
}

func TestEnhancedEmbedding(t *testing.T) {
	embeddings := map[string][]float32{
		"query":            {1, 0, 0},
		"query + expanded": {0, 1, 0},
	}
	embedFor := func(ctx context.Context, text string) ([]float32, error) {
		vec, ok := embeddings[text]
		if !ok {
			return nil, &llm.EmbeddingError{Err: fmt.Errorf("unexpected text %q", text)}
		}
		return vec, nil
	}

	t.Run("combined embedding has unit norm and original dominates", func(t *testing.T) {
		client := llm.NewMock(3, rand.NewSource(1))
		client.EmbedFunc = embedFor
		client.CompleteFunc = func(ctx context.Context, system string, history []llm.Turn) (string, error) {
			return "query + expanded", nil
		}
		engine := newTestEngine(client, nil)

		vec, err := engine.EnhancedEmbedding(context.Background(), "query")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, float64(vector.Magnitude(vec)), 1e-6)
		assert.Greater(t, vec[0], vec[1], "original query component should dominate")
	})

	t.Run("unchanged expansion returns the plain embedding", func(t *testing.T) {
		client := llm.NewMock(3, rand.NewSource(1))
		client.EmbedFunc = embedFor
		client.CompleteFunc = func(ctx context.Context, system string, history []llm.Turn) (string, error) {
			return "", fmt.Errorf("expansion unavailable")
		}
		engine := newTestEngine(client, nil)

		vec, err := engine.EnhancedEmbedding(context.Background(), "query")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0}, vec)
	})

	t.Run("expanded embedding failure falls back to original", func(t *testing.T) {
		client := llm.NewMock(3, rand.NewSource(1))
		client.EmbedFunc = func(ctx context.Context, text string) ([]float32, error) {
			if text != "query" {
				return nil, &llm.EmbeddingError{Err: fmt.Errorf("down")}
			}
			return []float32{1, 0, 0}, nil
		}
		client.CompleteFunc = func(ctx context.Context, system string, history []llm.Turn) (string, error) {
			return "query + expanded", nil
		}
		engine := newTestEngine(client, nil)

		vec, err := engine.EnhancedEmbedding(context.Background(), "query")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0}, vec)
	})

	t.Run("degenerate cancellation returns original unmodified", func(t *testing.T) {
		client := llm.NewMock(3, rand.NewSource(1))
		client.EmbedFunc = func(ctx context.Context, text string) ([]float32, error) {
			if text == "query" {
				return []float32{0.3, 0, 0}, nil
			}
			// Scaled so 0.7*e0 + 0.3*e1 is exactly zero.
			return []float32{-0.7, 0, 0}, nil
		}
		client.CompleteFunc = func(ctx context.Context, system string, history []llm.Turn) (string, error) {
			return "query + expanded", nil
		}
		engine := newTestEngine(client, nil)

		vec, err := engine.EnhancedEmbedding(context.Background(), "query")
		require.NoError(t, err)
		assert.Equal(t, []float32{0.3, 0, 0}, vec)
	})

	t.Run("original embedding failure propagates", func(t *testing.T) {
		client := llm.NewMock(3, rand.NewSource(1))
		client.EmbedFunc = func(ctx context.Context, text string) ([]float32, error) {
			return nil, &llm.EmbeddingError{Err: fmt.Errorf("down")}
		}
		client.CompleteFunc = func(ctx context.Context, system string, history []llm.Turn) (string, error) {
			return "query + expanded", nil
		}
		engine := newTestEngine(client, nil)

		_, err := engine.EnhancedEmbedding(context.Background(), "query")
		var embErr *llm.EmbeddingError
		assert.ErrorAs(t, err, &embErr)
	})
}

func TestBuildContext(t *testing.T) {
	score := func(v float64) *float64 { return &v }

	t.Run("strict threshold and undefined scores", func(t *testing.T) {
		matches := []vector.Match{
			{ID: "high", Score: score(0.9), Metadata: "relevant text"},
			{ID: "low", Score: score(0.5), Metadata: "irrelevant text"},
			{ID: "unscored", Score: nil, Metadata: "mystery text"},
		}
		assert.Equal(t, "relevant text", BuildContext(matches))
	})

	t.Run("exactly at threshold is excluded", func(t *testing.T) {
		matches := []vector.Match{{ID: "edge", Score: score(0.7), Metadata: "edge text"}}
		assert.Empty(t, BuildContext(matches))
	})

	t.Run("ranked order preserved with blank-line separators", func(t *testing.T) {
		matches := []vector.Match{
			{ID: "first", Score: score(0.95), Metadata: "first"},
			{ID: "second", Score: score(0.8), Metadata: "second"},
		}
		assert.Equal(t, "first\n\nsecond", BuildContext(matches))
	})

	t.Run("no survivors yields empty string", func(t *testing.T) {
		assert.Empty(t, BuildContext(nil))
	})
}

func TestComposeSystemPrompt(t *testing.T) {
	t.Run("all sections present", func(t *testing.T) {
		prompt := ComposeSystemPrompt("ctx block", []string{"t1", "t2"}, []string{"e1"}, "liked this")
		assert.Contains(t, prompt, personaInstruction)
		assert.Contains(t, prompt, "Reference context:\nctx block")
		assert.Contains(t, prompt, "Key topics: t1, t2")
		assert.Contains(t, prompt, "Key entities: e1")
		assert.Contains(t, prompt, "liked this")
	})

	t.Run("empty sections are omitted entirely", func(t *testing.T) {
		prompt := ComposeSystemPrompt("", nil, nil, "")
		assert.Equal(t, personaInstruction, prompt)
		assert.NotContains(t, prompt, "Key topics")
		assert.NotContains(t, prompt, "Key entities")
		assert.NotContains(t, prompt, "Reference context")
	})
}

func TestRetrieve(t *testing.T) {
	index := staticIndex{
		{ID: "a", Metadata: "a"},
		{ID: "b", Metadata: "b"},
	}
	engine := newTestEngine(llm.NewMock(3, rand.NewSource(1)), index)

	matches, err := engine.Retrieve(context.Background(), []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}
