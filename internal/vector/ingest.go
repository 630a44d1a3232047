package vector

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ChunkWriter persists corpus chunks, typically the document store.
type ChunkWriter interface {
	InsertChunk(ctx context.Context, content string, embedding []float32) error
	ClearChunks(ctx context.Context) error
}

type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// IngestFile rebuilds the local corpus index from a markdown file: the file
// is split on blank lines into paragraph chunks, each chunk embedded and
// stored. Existing chunks are cleared first. Chunks whose embedding fails are
// skipped, not fatal.
func IngestFile(ctx context.Context, path string, embed EmbedFunc, w ChunkWriter, logger *zap.Logger) (int, error) {
	contentBytes, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var chunks []string
	for _, block := range strings.Split(string(contentBytes), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, "#") && !strings.Contains(block, "\n") {
			// Skip empty blocks and bare headings.
			continue
		}
		chunks = append(chunks, block)
	}
	if len(chunks) == 0 {
		logger.Warn("no chunks found in corpus file", zap.String("path", path))
		return 0, nil
	}

	if err := w.ClearChunks(ctx); err != nil {
		return 0, err
	}

	logger.Info("embedding corpus chunks", zap.Int("count", len(chunks)))

	// Spread the embedding calls out to stay under provider rate limits.
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()

	count := 0
	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		case <-ticker.C:
		}

		embedding, err := embed(ctx, chunk)
		if err != nil {
			logger.Warn("failed to embed chunk, skipping",
				zap.Int("chunk", i+1), zap.Error(err))
			continue
		}
		if err := w.InsertChunk(ctx, chunk, embedding); err != nil {
			logger.Warn("failed to store chunk, skipping",
				zap.Int("chunk", i+1), zap.Error(err))
			continue
		}
		count++
	}

	logger.Info("corpus ingested", zap.Int("chunks", count))
	return count, nil
}
