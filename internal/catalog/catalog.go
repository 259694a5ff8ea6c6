// Package catalog records documents and pages per session and holds the per-document commit
// marker that decides which documents retrieval may see.
package catalog

import (
	"context"
	"time"

	"github.com/hyperjump/pagelens/internal/models"
)

// Catalog defines document and page bookkeeping.
type Catalog interface {
	// CreatePending inserts a document in the pending state.
	CreatePending(ctx context.Context, doc *models.Document) error
	// Commit inserts the pages and flips the document to committed in one transaction.
	Commit(ctx context.Context, documentID string, pages []models.Page) error
	GetDocument(ctx context.Context, sessionID, documentID string) (*models.Document, error)
	// ListDocuments returns the committed documents of a session in ingestion order.
	ListDocuments(ctx context.Context, sessionID string) ([]*models.Document, error)
	// CommittedDocumentIDs never returns nil: an empty session yields an empty slice.
	CommittedDocumentIDs(ctx context.Context, sessionID string) ([]string, error)
	GetPage(ctx context.Context, sessionID, documentID string, index int) (*models.Page, error)
	GetPages(ctx context.Context, documentID string) ([]*models.Page, error)
	DeleteDocument(ctx context.Context, sessionID, documentID string) error
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	// IdleSessions returns sessions whose newest document was created before cutoff.
	IdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
	// StalePending returns pending documents created before cutoff.
	StalePending(ctx context.Context, cutoff time.Time) ([]*models.Document, error)
	CountDocuments(ctx context.Context) (int64, error)
	CountPages(ctx context.Context) (int64, error)
	Close() error
}
