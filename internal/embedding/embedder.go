// Package embedding provides text embedding generation with multiple backend support.
package embedding

import (
	"context"
	"fmt"

	"github.com/jfellner/distill/internal/config"
)

// Embedder defines the interface for text embedding providers.
// Implementations include Ollama (local) and Voyage AI (API).
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	// More efficient than multiple Embed calls for bulk operations.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the embedding vector dimension.
	// Must match the HNSW index dimension in the database schema.
	Dimension() int
}

// New creates an Embedder from configuration.
func New(cfg config.Config) (Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "ollama":
		return NewOllamaClient(cfg.EmbeddingModel, cfg.EmbeddingDimension)
	case "voyage":
		return NewVoyageClient(cfg.VoyageAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimension)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbeddingProvider)
	}
}
