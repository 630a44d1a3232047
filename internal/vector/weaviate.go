package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.uber.org/zap"
)

// WeaviateIndex queries a remote weaviate class holding the pre-built corpus.
// Certainty (always in [0,1]) is reported as the match score; objects missing
// certainty surface with a nil score.
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
	logger    *zap.Logger
}

func NewWeaviateIndex(rawURL, className string, logger *zap.Logger) (*WeaviateIndex, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL %q", rawURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return &WeaviateIndex{client: client, className: className, logger: logger}, nil
}

type weaviateChunk struct {
	ChunkID    string `json:"chunk_id"`
	Content    string `json:"content"`
	Additional struct {
		ID        string   `json:"id"`
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

func (idx *WeaviateIndex) Query(ctx context.Context, vec []float32, k int) ([]Match, error) {
	nearVector := idx.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	fields := []graphql.Field{
		{Name: "chunk_id"},
		{Name: "content"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	result, err := idx.client.GraphQL().Get().
		WithClassName(idx.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query error: %s", result.Errors[0].Message)
	}

	// Weaviate returns dynamic JSON; round-trip through encoding/json to get
	// the typed shape.
	raw, err := json.Marshal(result.Data["Get"])
	if err != nil {
		return nil, fmt.Errorf("failed to marshal weaviate response: %w", err)
	}
	var parsed map[string][]weaviateChunk
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse weaviate response: %w", err)
	}

	objects := parsed[idx.className]
	matches := make([]Match, 0, len(objects))
	for _, obj := range objects {
		id := obj.ChunkID
		if id == "" {
			id = obj.Additional.ID
		}
		matches = append(matches, Match{
			ID:       id,
			Score:    obj.Additional.Certainty,
			Metadata: obj.Content,
		})
	}
	return matches, nil
}
