// Package events publishes ingestion and deletion events over NATS with OpenTelemetry
// trace context carried in message headers.
package events

import (
	"context"
	"time"
)

// Subjects, relative to the configured prefix.
const (
	SubjectDocumentCommitted = "documents.committed"
	SubjectDocumentDeleted   = "documents.deleted"
	SubjectSessionDeleted    = "sessions.deleted"
)

// DocumentCommitted is published once every page of a document is searchable.
type DocumentCommitted struct {
	SessionID  string    `json:"session_id"`
	DocumentID string    `json:"document_id"`
	Filename   string    `json:"filename"`
	NumPages   int       `json:"num_pages"`
	At         time.Time `json:"at"`
}

// DocumentDeleted is published after a document's pages, vectors and rows are removed.
type DocumentDeleted struct {
	SessionID  string    `json:"session_id"`
	DocumentID string    `json:"document_id"`
	At         time.Time `json:"at"`
}

// SessionDeleted is published after a whole session is removed.
type SessionDeleted struct {
	SessionID string    `json:"session_id"`
	Documents int       `json:"documents"`
	At        time.Time `json:"at"`
}

// Publisher sends JSON events. Publishing is fire-and-forget: callers log failures.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
	Close()
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, any) error { return nil }

// Close does nothing.
func (Nop) Close() {}
