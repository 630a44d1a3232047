// Package rag implements the retrieval-augmented generation pipeline:
// query expansion, enhanced embedding, vector retrieval, context assembly,
// and system prompt composition.
package rag

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/llm"
	"github.com/refbase-ai/refbase/internal/vector"
)

const (
	// Combination weights for the enhanced embedding. The original query
	// dominates to avoid topic drift; the weights sum to 1.0.
	originalWeight  = 0.7
	expansionWeight = 0.3

	// ScoreThreshold is the strict minimum similarity for a retrieval match
	// to contribute to the grounding context.
	ScoreThreshold = 0.7

	// DefaultTopK is how many matches are requested per retrieval.
	DefaultTopK = 5

	personaInstruction = "You are a helpful assistant. Answer questions based on the provided reference context. " +
		"If the answer is not found in the provided context, clearly state that you don't have the information. " +
		"Keep your answers concise and directly related to the user's question. Do not make up information."

	expansionInstruction = "You expand search queries. Append 3-5 additional domain-relevant terms to the query. " +
		"Reply with exactly this format and nothing else: <original query> + <additional terms>"
)

// Engine runs the retrieval pipeline against an LLM client and vector index.
type Engine struct {
	llm    llm.Client
	index  vector.Index
	logger *zap.Logger
}

func NewEngine(client llm.Client, index vector.Index, logger *zap.Logger) *Engine {
	return &Engine{llm: client, index: index, logger: logger}
}

// ExpandQuery asks the completion service to append domain terms to query in
// the fixed "<original> + <additions>" format. Any failure, including a
// malformed response, soft-fails to the original query.
func (e *Engine) ExpandQuery(ctx context.Context, query string) string {
	history := []llm.Turn{{Role: llm.RoleUser, Content: query}}
	expanded, err := e.llm.Complete(ctx, expansionInstruction, history)
	if err != nil {
		e.logger.Warn("query expansion failed, using original query", zap.Error(err))
		return query
	}

	expanded = strings.TrimSpace(expanded)
	if expanded == "" || !strings.HasPrefix(expanded, query) {
		e.logger.Warn("query expansion returned unexpected format, using original query",
			zap.String("expanded", expanded))
		return query
	}
	return expanded
}

// EnhancedEmbedding embeds the query and its expansion and combines them into
// a single unit-norm vector weighted toward the original query. Every failure
// past the initial embedding falls back to the plain query embedding.
func (e *Engine) EnhancedEmbedding(ctx context.Context, query string) ([]float32, error) {
	expanded := e.ExpandQuery(ctx, query)

	original, err := e.llm.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if expanded == query {
		return original, nil
	}

	expansion, err := e.llm.Embed(ctx, expanded)
	if err != nil {
		e.logger.Warn("expanded query embedding failed, using original embedding", zap.Error(err))
		return original, nil
	}

	combined, err := vector.Combine(original, expansion, originalWeight, expansionWeight)
	if err != nil {
		e.logger.Warn("embedding combination failed, using original embedding", zap.Error(err))
		return original, nil
	}
	if !vector.Normalize(combined) {
		// Degenerate vectors cancelled out; dividing by zero norm is
		// undefined, so return the original embedding unmodified.
		return original, nil
	}
	return combined, nil
}

// Retrieve queries the vector index for the top k matches.
func (e *Engine) Retrieve(ctx context.Context, vec []float32, k int) ([]vector.Match, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	matches, err := e.index.Query(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector index query failed: %w", err)
	}
	return matches, nil
}

// BuildContext joins the metadata of matches scoring strictly above the
// threshold, preserving ranked order. Matches without a score are excluded.
// Returns "" when nothing qualifies.
func BuildContext(matches []vector.Match) string {
	var parts []string
	for _, match := range matches {
		if match.Score == nil || *match.Score <= ScoreThreshold {
			continue
		}
		if match.Metadata == "" {
			continue
		}
		parts = append(parts, match.Metadata)
	}
	return strings.Join(parts, "\n\n")
}

// ComposeSystemPrompt builds the deterministic system prompt from the persona
// instruction, the grounding context, and the optional topic/entity/
// personalization sections. Empty sections are omitted entirely.
func ComposeSystemPrompt(contextBlock string, topics, entities []string, personalization string) string {
	var b strings.Builder
	b.WriteString(personaInstruction)

	if contextBlock != "" {
		b.WriteString("\n\nReference context:\n")
		b.WriteString(contextBlock)
	}
	if len(topics) > 0 {
		b.WriteString("\n\nKey topics: ")
		b.WriteString(strings.Join(topics, ", "))
	}
	if len(entities) > 0 {
		b.WriteString("\n\nKey entities: ")
		b.WriteString(strings.Join(entities, ", "))
	}
	if personalization != "" {
		b.WriteString("\n\nResponses the user previously found helpful:\n")
		b.WriteString(personalization)
	}
	return b.String()
}
