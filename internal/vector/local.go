package vector

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Chunk is one pre-embedded piece of the reference corpus.
type Chunk struct {
	ID        string
	Content   string
	Embedding []float32
}

// ChunkSource loads the corpus chunks backing a LocalIndex, typically the
// durable store's chunks table.
type ChunkSource interface {
	AllChunks(ctx context.Context) ([]Chunk, error)
}

// LocalIndex ranks corpus chunks by cosine similarity against the query
// vector, entirely in memory. Suited for small corpora and local development;
// larger deployments point at the weaviate backend instead.
type LocalIndex struct {
	chunks []Chunk
	logger *zap.Logger
}

func NewLocalIndex(ctx context.Context, source ChunkSource, logger *zap.Logger) (*LocalIndex, error) {
	chunks, err := source.AllChunks(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		logger.Warn("local vector index initialized with no corpus chunks; ingest the corpus first")
	} else {
		logger.Info("local vector index initialized", zap.Int("chunks", len(chunks)))
	}
	return &LocalIndex{chunks: chunks, logger: logger}, nil
}

func (idx *LocalIndex) Query(ctx context.Context, vec []float32, k int) ([]Match, error) {
	type scored struct {
		chunk Chunk
		score float64
	}

	candidates := make([]scored, 0, len(idx.chunks))
	for _, chunk := range idx.chunks {
		if len(chunk.Embedding) == 0 {
			continue
		}
		sim, err := CosineSimilarity(vec, chunk.Embedding)
		if err != nil {
			idx.logger.Warn("skipping chunk with incompatible embedding",
				zap.String("chunk_id", chunk.ID), zap.Error(err))
			continue
		}
		candidates = append(candidates, scored{chunk: chunk, score: float64(sim)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		score := c.score
		matches = append(matches, Match{
			ID:       c.chunk.ID,
			Score:    &score,
			Metadata: c.chunk.Content,
		})
	}
	return matches, nil
}
