package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/llm"
)

const insightsInstruction = "Extract the key entities and topics from the text you are given. " +
	`Respond with a JSON object of exactly this shape: {"entities": ["..."], "topics": ["..."]}`

// Insights are the entities and topics extracted from retrieved context.
type Insights struct {
	Entities []string `json:"entities"`
	Topics   []string `json:"topics"`
}

// ParseError reports that the completion service returned output that no
// recovery strategy could parse as the expected structure.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse structured completion output: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var fencedJSON = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")

// ExtractTopicsEntities asks the completion service for the entities and
// topics mentioned in text. Both service failures and unparseable output
// soft-fail to empty insights; this never raises.
func (e *Engine) ExtractTopicsEntities(ctx context.Context, text string) Insights {
	if strings.TrimSpace(text) == "" {
		return Insights{}
	}

	history := []llm.Turn{{Role: llm.RoleUser, Content: text}}
	raw, err := e.llm.Complete(ctx, insightsInstruction, history)
	if err != nil {
		e.logger.Warn("insight extraction call failed", zap.Error(err))
		return Insights{}
	}

	insights, err := parseInsights(raw)
	if err != nil {
		e.logger.Warn("insight extraction output unparseable", zap.Error(err))
		return Insights{}
	}
	return insights
}

// parseInsights recovers a JSON object from free-text completion output:
// first a fenced code block, then the widest bare object found anywhere in
// the response.
func parseInsights(raw string) (Insights, error) {
	candidates := make([]string, 0, 2)
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		candidates = append(candidates, raw[start:end+1])
	}

	var lastErr error
	for _, candidate := range candidates {
		var insights Insights
		if err := json.Unmarshal([]byte(candidate), &insights); err != nil {
			lastErr = err
			continue
		}
		return insights, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON object found in response")
	}
	return Insights{}, &ParseError{Raw: raw, Err: lastErr}
}
