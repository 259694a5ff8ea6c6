// Package render turns PDF bytes into ordered JPEG page images and best-effort page text.
package render

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/hyperjump/pagelens/internal/models"
)

// Renderer rasterizes every page of a PDF, in page order.
type Renderer interface {
	Render(ctx context.Context, data []byte) ([][]byte, error)
}

var pdfMagic = []byte("%PDF-")

// Probe validates that data is a parseable PDF and returns its page count.
// Non-PDF input wraps models.ErrUnsupportedFile; a PDF without pages wraps models.ErrEmptyDocument.
func Probe(data []byte) (n int, err error) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return 0, fmt.Errorf("missing %%PDF- header: %w", models.ErrUnsupportedFile)
	}
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("parse PDF: %v: %w", r, models.ErrUnsupportedFile)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("open PDF: %v: %w", err, models.ErrUnsupportedFile)
	}
	n = r.NumPage()
	if n <= 0 {
		return 0, models.ErrEmptyDocument
	}
	return n, nil
}

// PageTexts extracts plain text per page. Pages that cannot be decoded yield "".
// The result always has n entries.
func PageTexts(data []byte, n int) []string {
	texts := make([]string, n)
	defer func() { _ = recover() }()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return texts
	}
	for i := 0; i < n && i < r.NumPage(); i++ {
		page := r.Page(i + 1)
		if page.V.IsNull() {
			continue
		}
		if text, err := page.GetPlainText(nil); err == nil {
			texts[i] = text
		}
	}
	return texts
}
