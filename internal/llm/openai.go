package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// OpenAI is a Client backed by any OpenAI-compatible endpoint (including
// local model servers such as Ollama). Uses langchaingo under the hood.
type OpenAI struct {
	llm    *openai.LLM
	logger *zap.Logger
}

func NewOpenAI(baseURL, token, model string, logger *zap.Logger) (*OpenAI, error) {
	client, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	return &OpenAI{llm: client, logger: logger}, nil
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &EmbeddingError{Err: fmt.Errorf("text is empty")}
	}

	vectors, err := o.llm.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, &EmbeddingError{Err: fmt.Errorf("no embedding data received")}
	}
	return vectors[0], nil
}

func (o *OpenAI) Complete(ctx context.Context, systemPrompt string, history []Turn) (string, error) {
	if err := validateHistory(history); err != nil {
		return "", err
	}

	content := make([]llms.MessageContent, 0, len(history)+1)
	if systemPrompt != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	for _, turn := range history {
		msgType := llms.ChatMessageTypeHuman
		if turn.Role == RoleAssistant {
			msgType = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(msgType, turn.Content))
	}

	resp, err := o.llm.GenerateContent(ctx, content)
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", fmt.Errorf("openai response contained no choices")
	}
	return resp.Choices[0].Content, nil
}
