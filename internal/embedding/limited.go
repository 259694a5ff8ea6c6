package embedding

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// LimitedEmbedder bounds the number of in-flight backend calls.
type LimitedEmbedder struct {
	Embedder
	sem *semaphore.Weighted
}

// NewLimitedEmbedder wraps inner so at most n calls run at once. A non-positive n returns inner unchanged.
func NewLimitedEmbedder(inner Embedder, n int) Embedder {
	if n <= 0 {
		return inner
	}
	return &LimitedEmbedder{Embedder: inner, sem: semaphore.NewWeighted(int64(n))}
}

// EmbedImages waits for a slot, then embeds.
func (l *LimitedEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([][][]float32, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.Embedder.EmbedImages(ctx, images)
}

// EmbedQuery waits for a slot, then embeds.
func (l *LimitedEmbedder) EmbedQuery(ctx context.Context, text string) ([][]float32, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.Embedder.EmbedQuery(ctx, text)
}
