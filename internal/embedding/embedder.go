// Package embedding turns page images and query text into multi-vector embeddings
// that share one vector space, so late-interaction scoring between them is meaningful.
package embedding

import "context"

// Embedder produces multi-vector embeddings: one vector per image patch or query token.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// EmbedImages returns one multi-vector per input image, in input order.
	EmbedImages(ctx context.Context, images [][]byte) ([][][]float32, error)
	// EmbedQuery returns the multi-vector of a text query.
	EmbedQuery(ctx context.Context, text string) ([][]float32, error)
	Dimensions() int
	Close() error
}
