package models

import "errors"

var (
	// ErrInvalidSession is returned for a missing or malformed session identifier.
	ErrInvalidSession = errors.New("invalid session_id")
	// ErrEmptyDocument is returned when a PDF has no pages.
	ErrEmptyDocument = errors.New("document has no pages")
	// ErrFileTooLarge is returned when an upload exceeds the configured size limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrUnsupportedFile is returned when a payload is not a readable PDF.
	ErrUnsupportedFile = errors.New("unsupported file: not a readable PDF")
	// ErrNoAnswer signals that a query had no candidate pages. It is not a failure.
	ErrNoAnswer = errors.New("no answer: no matching pages in session")
	// ErrInvalidTopK is returned when top_k is below 1.
	ErrInvalidTopK = errors.New("top_k must be at least 1")
	// ErrEmptyQuery is returned when the query text is blank.
	ErrEmptyQuery = errors.New("query cannot be empty")
	// ErrNotFound is returned when a document or page does not exist.
	ErrNotFound = errors.New("not found")
)
