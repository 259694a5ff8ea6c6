// Package models defines core data structures for documents, pages, queries, and ingestion results.
package models

import (
	"fmt"
	"time"
)

// DocumentStatus marks whether a document's pages are visible to retrieval.
type DocumentStatus string

const (
	// StatusPending is set while pages are being written; never visible to queries.
	StatusPending DocumentStatus = "pending"
	// StatusCommitted is set once every page image and embedding is stored.
	StatusCommitted DocumentStatus = "committed"
)

// Document is one uploaded PDF within a session.
type Document struct {
	ID          string         `json:"id" db:"id"`
	SessionID   string         `json:"session_id" db:"session_id"`
	Filename    string         `json:"filename" db:"filename"`
	NumPages    int            `json:"num_pages" db:"num_pages"`
	Status      DocumentStatus `json:"status" db:"status"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	CommittedAt *time.Time     `json:"committed_at,omitempty" db:"committed_at"`
}

// Page is one rendered page of a document.
type Page struct {
	DocumentID string `json:"document_id" db:"document_id"`
	SessionID  string `json:"session_id" db:"session_id"`
	Index      int    `json:"page_index" db:"page_index"`
	ObjectKey  string `json:"object_key" db:"object_key"`
	Text       string `json:"text,omitempty" db:"text"`
	Image      []byte `json:"-" db:"-"`
}

// PageEmbedding is the multi-vector representation of a page: one vector per image patch.
type PageEmbedding struct {
	SessionID  string
	DocumentID string
	PageIndex  int
	Vectors    [][]float32
}

// PageImage is a retrieved page handed to the answer generator.
type PageImage struct {
	DocumentID string
	PageIndex  int
	Score      float64
	Data       []byte
}

// PageObjectKey returns the object store key for a page image.
func PageObjectKey(sessionID, documentID string, pageIndex int) string {
	return fmt.Sprintf("%s/%s/%d.jpg", sessionID, documentID, pageIndex)
}

// DocumentPrefix returns the object store prefix holding every page of a document.
func DocumentPrefix(sessionID, documentID string) string {
	return sessionID + "/" + documentID + "/"
}

// SessionPrefix returns the object store prefix holding every document of a session.
func SessionPrefix(sessionID string) string {
	return sessionID + "/"
}
