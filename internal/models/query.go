package models

import (
	"fmt"
	"strings"
)

const maxSessionIDLen = 128

// ValidateSessionID checks that id is usable as an object key segment.
// Allowed characters are ASCII letters, digits, '.', '_' and '-'.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSession)
	}
	if len(id) > maxSessionIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSession, maxSessionIDLen)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: illegal character %q", ErrInvalidSession, r)
		}
	}
	return nil
}

// Query is a single question scoped to a session.
type Query struct {
	SessionID string `json:"session_id"`
	Text      string `json:"query"`
	TopK      int    `json:"top_k"`
}

// Validate checks the session, trims the text, and clamps TopK to maxTopK when maxTopK > 0.
func (q *Query) Validate(maxTopK int) error {
	if err := ValidateSessionID(q.SessionID); err != nil {
		return err
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return ErrEmptyQuery
	}
	if q.TopK < 1 {
		return ErrInvalidTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	return nil
}

// Hit is one ranked page returned by retrieval.
type Hit struct {
	DocumentID string  `json:"document_id"`
	PageIndex  int     `json:"page_index"`
	Score      float64 `json:"score"`
	ObjectKey  string  `json:"object_key"`
}

// IngestResult reports the outcome of ingesting one file. Exactly one of
// NumPages (success) or Error (failure) is meaningful.
type IngestResult struct {
	Filename   string `json:"filename"`
	DocumentID string `json:"document_id,omitempty"`
	NumPages   int    `json:"num_pages,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OK reports whether the file was ingested.
func (r IngestResult) OK() bool { return r.Error == "" }
