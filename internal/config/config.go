package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Provider names accepted for REFBASE_LLM_PROVIDER.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// Vector index backends accepted for REFBASE_VECTOR_BACKEND.
const (
	VectorBackendLocal    = "local"
	VectorBackendWeaviate = "weaviate"
)

type Config struct {
	HTTPPort     string
	DatabasePath string
	LogLevel     string
	JWTSecret    string

	// LLM provider selection. When no provider credentials are present the
	// service falls back to mock embeddings/completions for local development.
	LLMProvider    string
	GeminiAPIKey   string
	OpenAIBaseURL  string
	OpenAIAPIKey   string
	OpenAIModel    string
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int

	VectorBackend string
	WeaviateURL   string
	WeaviateClass string
}

// Load reads configuration from the environment, preferring a .env file when
// one exists. The only hard requirement is a JWT secret; a missing LLM key
// downgrades the provider to mock rather than failing startup.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		DatabasePath: getEnv("DATABASE_URL", "refbase.db"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:    getEnv("JWT_SECRET", ""),

		LLMProvider:    getEnv("REFBASE_LLM_PROVIDER", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", "http://localhost:11434/v1/"),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:    getEnv("OPENAI_MODEL", "llama3.1:8b"),
		ChatModel:      getEnv("CHAT_MODEL", "gemini-1.5-flash-latest"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDim:   getEnvAsInt("EMBEDDING_DIM", 768),

		VectorBackend: getEnv("REFBASE_VECTOR_BACKEND", VectorBackendLocal),
		WeaviateURL:   getEnv("WEAVIATE_URL", ""),
		WeaviateClass: getEnv("WEAVIATE_CLASS", "CorpusChunk"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	if cfg.LLMProvider == "" {
		switch {
		case cfg.GeminiAPIKey != "":
			cfg.LLMProvider = ProviderGemini
		case cfg.OpenAIAPIKey != "":
			cfg.LLMProvider = ProviderOpenAI
		default:
			cfg.LLMProvider = ProviderMock
		}
	}

	switch cfg.LLMProvider {
	case ProviderGemini, ProviderOpenAI, ProviderMock:
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}

	switch cfg.VectorBackend {
	case VectorBackendLocal, VectorBackendWeaviate:
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}

	return cfg, nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
