// Package vector provides multi-vector page indexes scored by late interaction.
package vector

import (
	"context"

	"github.com/hyperjump/pagelens/internal/models"
)

// Index stores page multi-vectors with their session/document/page metadata
// and answers late-interaction (MaxSim) searches.
type Index interface {
	// Upsert stores embeddings, replacing any existing entry for the same page.
	Upsert(ctx context.Context, embeddings []models.PageEmbedding) error
	// Search returns at most k pages of filter.SessionID ordered by descending MaxSim score.
	Search(ctx context.Context, query [][]float32, filter Filter, k int) ([]Result, error)
	DeleteDocument(ctx context.Context, sessionID, documentID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	// Count returns the number of stored pages.
	Count(ctx context.Context) (int, error)
	Type() string
	Close() error
}

// Persister is implemented by indexes that snapshot to a local file.
type Persister interface {
	Save(path string) error
	Load(path string) error
}

// Filter scopes a search. SessionID is matched exactly and is required.
// A nil DocumentIDs places no restriction; otherwise only listed documents match.
type Filter struct {
	SessionID   string
	DocumentIDs []string
}

// Result is a single page hit.
type Result struct {
	SessionID  string
	DocumentID string
	PageIndex  int
	Score      float64
}
