package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/pagelens/internal/models"
)

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteCatalog{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		num_pages INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		committed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_session_status ON documents(session_id, status);

	CREATE TABLE IF NOT EXISTS pages (
		document_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		page_index INTEGER NOT NULL,
		object_key TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (document_id, page_index)
	);

	CREATE INDEX IF NOT EXISTS idx_pages_session ON pages(session_id);
	`
	_, err := db.Exec(schema)
	return err
}

const documentColumns = `id, session_id, filename, num_pages, status, created_at, committed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*models.Document, error) {
	var doc models.Document
	var committed sql.NullTime
	if err := row.Scan(&doc.ID, &doc.SessionID, &doc.Filename, &doc.NumPages, &doc.Status, &doc.CreatedAt, &committed); err != nil {
		return nil, err
	}
	if committed.Valid {
		t := committed.Time
		doc.CommittedAt = &t
	}
	return &doc, nil
}

// CreatePending inserts doc with status pending and sets CreatedAt.
func (s *SQLiteCatalog) CreatePending(ctx context.Context, doc *models.Document) error {
	doc.Status = models.StatusPending
	doc.CreatedAt = time.Now().UTC()
	doc.CommittedAt = nil
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, session_id, filename, num_pages, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SessionID, doc.Filename, doc.NumPages, doc.Status, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("catalog: create document: %w", err)
	}
	return nil
}

// Commit inserts pages and marks the document committed. It fails with ErrNotFound
// if the document is missing or no longer pending.
func (s *SQLiteCatalog) Commit(ctx context.Context, documentID string, pages []models.Page) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO pages (document_id, session_id, page_index, object_key, text)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("catalog: prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range pages {
		if p.DocumentID != documentID {
			return fmt.Errorf("catalog: page %d belongs to %s, not %s", p.Index, p.DocumentID, documentID)
		}
		if _, err := stmt.ExecContext(ctx, p.DocumentID, p.SessionID, p.Index, p.ObjectKey, p.Text); err != nil {
			return fmt.Errorf("catalog: insert page %d: %w", p.Index, err)
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = ?, num_pages = ?, committed_at = ?
		 WHERE id = ? AND status = ?`,
		models.StatusCommitted, len(pages), time.Now().UTC(), documentID, models.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("catalog: commit document: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("catalog: pending document %s: %w", documentID, models.ErrNotFound)
	}
	return tx.Commit()
}

// GetDocument returns a document of the session by ID, whatever its status.
func (s *SQLiteCatalog) GetDocument(ctx context.Context, sessionID, documentID string) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND session_id = ?`,
		documentID, sessionID,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocuments returns the committed documents of a session in ingestion order.
func (s *SQLiteCatalog) ListDocuments(ctx context.Context, sessionID string) ([]*models.Document, error) {
	return s.queryDocuments(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE session_id = ? AND status = ? ORDER BY rowid`,
		sessionID, models.StatusCommitted,
	)
}

// StalePending returns pending documents created before cutoff, oldest first.
func (s *SQLiteCatalog) StalePending(ctx context.Context, cutoff time.Time) ([]*models.Document, error) {
	return s.queryDocuments(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE status = ? AND created_at < ? ORDER BY rowid`,
		models.StatusPending, cutoff.UTC(),
	)
}

func (s *SQLiteCatalog) queryDocuments(ctx context.Context, query string, args ...any) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CommittedDocumentIDs returns the IDs retrieval may search in the session.
func (s *SQLiteCatalog) CommittedDocumentIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE session_id = ? AND status = ? ORDER BY rowid`,
		sessionID, models.StatusCommitted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetPage returns one page of a committed document.
func (s *SQLiteCatalog) GetPage(ctx context.Context, sessionID, documentID string, index int) (*models.Page, error) {
	var p models.Page
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, session_id, page_index, object_key, text
		 FROM pages WHERE session_id = ? AND document_id = ? AND page_index = ?`,
		sessionID, documentID, index,
	).Scan(&p.DocumentID, &p.SessionID, &p.Index, &p.ObjectKey, &p.Text)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("page %s/%d: %w", documentID, index, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPages returns all pages of a document ordered by page index.
func (s *SQLiteCatalog) GetPages(ctx context.Context, documentID string) ([]*models.Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, session_id, page_index, object_key, text
		 FROM pages WHERE document_id = ? ORDER BY page_index`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*models.Page
	for rows.Next() {
		var p models.Page
		if err := rows.Scan(&p.DocumentID, &p.SessionID, &p.Index, &p.ObjectKey, &p.Text); err != nil {
			return nil, err
		}
		pages = append(pages, &p)
	}
	return pages, rows.Err()
}

// DeleteDocument removes a document and its pages. Missing documents are not an error.
func (s *SQLiteCatalog) DeleteDocument(ctx context.Context, sessionID, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE session_id = ? AND document_id = ?`, sessionID, documentID); err != nil {
		return fmt.Errorf("catalog: delete pages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE session_id = ? AND id = ?`, sessionID, documentID); err != nil {
		return fmt.Errorf("catalog: delete document: %w", err)
	}
	return tx.Commit()
}

// DeleteSession removes every document and page of a session and returns the number of documents removed.
func (s *SQLiteCatalog) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE session_id = ?`, sessionID); err != nil {
		return 0, fmt.Errorf("catalog: delete pages: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("catalog: delete documents: %w", err)
	}
	n, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// IdleSessions returns sessions whose newest document was created before cutoff.
func (s *SQLiteCatalog) IdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM documents GROUP BY session_id
		 HAVING MAX(created_at) < ? ORDER BY session_id`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}

// CountDocuments returns the number of committed documents.
func (s *SQLiteCatalog) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE status = ?`, models.StatusCommitted).Scan(&count)
	return count, err
}

// CountPages returns the total number of committed pages.
func (s *SQLiteCatalog) CountPages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteCatalog) Close() error {
	return s.db.Close()
}
