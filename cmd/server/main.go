package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/refbase-ai/refbase/internal/api"
	"github.com/refbase-ai/refbase/internal/auth"
	"github.com/refbase-ai/refbase/internal/chat"
	"github.com/refbase-ai/refbase/internal/config"
	"github.com/refbase-ai/refbase/internal/identity"
	"github.com/refbase-ai/refbase/internal/llm"
	"github.com/refbase-ai/refbase/internal/personalization"
	"github.com/refbase-ai/refbase/internal/rag"
	"github.com/refbase-ai/refbase/internal/store"
	"github.com/refbase-ai/refbase/internal/vector"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ingestPath := flag.String("ingest", "", "Ingest the given corpus file into the local index and exit")
	flag.Parse()

	documents, err := store.NewDocumentStore(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal("failed to initialize document store", zap.Error(err),
			zap.String("path", cfg.DatabasePath))
	}
	defer documents.Close()

	llmClient, closeLLM, err := newLLMClient(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize LLM client", zap.Error(err))
	}
	defer closeLLM()

	if *ingestPath != "" {
		count, err := vector.IngestFile(context.Background(), *ingestPath, llmClient.Embed, documents, logger)
		if err != nil {
			logger.Fatal("corpus ingestion failed", zap.Error(err))
		}
		logger.Info("corpus ingestion complete", zap.Int("chunks", count))
		return
	}

	index, err := newVectorIndex(cfg, documents, logger)
	if err != nil {
		logger.Fatal("failed to initialize vector index", zap.Error(err))
	}

	sessions := store.NewSessionStore(logger)
	ragEngine := rag.NewEngine(llmClient, index, logger)
	personal := personalization.NewEngine(documents, sessions, logger)
	reconciler := identity.NewReconciler(documents, sessions, logger)
	chatService := chat.NewService(llmClient, ragEngine, documents, sessions, personal, logger)
	tokens := auth.NewTokens(cfg.JWTSecret)

	handler := api.NewHandler(chatService, personal, reconciler, documents, tokens, logger)
	router := api.NewRouter(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // completions can take a while
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr),
			zap.String("llm_provider", cfg.LLMProvider),
			zap.String("vector_backend", cfg.VectorBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited gracefully")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "DEBUG" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newLLMClient picks the completion/embedding backend. Unconfigured
// deployments get the mock client: pseudo-random embeddings and echo
// completions, for local development only.
func newLLMClient(cfg *config.Config, logger *zap.Logger) (llm.Client, func(), error) {
	switch cfg.LLMProvider {
	case config.ProviderGemini:
		client, err := llm.NewGemini(context.Background(), cfg.GeminiAPIKey, cfg.ChatModel, cfg.EmbeddingModel, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {
			if err := client.Close(); err != nil {
				logger.Warn("error closing GenAI client", zap.Error(err))
			}
		}, nil
	case config.ProviderOpenAI:
		client, err := llm.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	default:
		logger.Warn("no LLM provider configured, using mock embeddings and completions")
		return llm.NewMock(cfg.EmbeddingDim, rand.NewSource(time.Now().UnixNano())), func() {}, nil
	}
}

func newVectorIndex(cfg *config.Config, documents *store.DocumentStore, logger *zap.Logger) (vector.Index, error) {
	if cfg.VectorBackend == config.VectorBackendWeaviate {
		return vector.NewWeaviateIndex(cfg.WeaviateURL, cfg.WeaviateClass, logger)
	}
	return vector.NewLocalIndex(context.Background(), documents, logger)
}
