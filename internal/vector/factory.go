package vector

import (
	"context"
	"fmt"

	"github.com/hyperjump/pagelens/internal/config"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses in-memory brute-force MaxSim. Good for a single process and small corpora.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeQdrant uses a Qdrant multivector collection with the MaxSim comparator.
	IndexTypeQdrant IndexType = "qdrant"
)

// NewIndex creates a vector index of the configured type.
// Supported types: "memory" (default), "qdrant".
func NewIndex(ctx context.Context, cfg config.VectorConfig, dimensions int) (Index, error) {
	switch IndexType(cfg.IndexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions)
	case IndexTypeQdrant:
		return NewQdrantIndex(ctx, QdrantOptions{
			Addr:       cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
			UseTLS:     cfg.Qdrant.UseTLS,
		}, dimensions)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, qdrant)", cfg.IndexType)
	}
}
