package rendertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/pagelens/internal/models"
)

// TextRenderer renders each page of PDFs it built to the page's source text. Paired with the
// mock embedder, a page then embeds to the terms it contains.
type TextRenderer struct {
	mu    sync.Mutex
	pages map[string][]string
	calls int

	// Err, when set, is returned by every Render call.
	Err error
}

// NewTextRenderer returns an empty TextRenderer.
func NewTextRenderer() *TextRenderer {
	return &TextRenderer{pages: make(map[string][]string)}
}

// PDF builds a PDF with one page per text and registers it for rendering.
func (r *TextRenderer) PDF(texts ...string) []byte {
	data := PDF(texts...)
	r.mu.Lock()
	r.pages[string(data)] = append([]string(nil), texts...)
	r.mu.Unlock()
	return data
}

// Render returns the registered page texts as page images.
func (r *TextRenderer) Render(ctx context.Context, data []byte) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return nil, r.Err
	}
	texts, ok := r.pages[string(data)]
	if !ok {
		return nil, fmt.Errorf("unregistered document: %w", models.ErrUnsupportedFile)
	}
	if len(texts) == 0 {
		return nil, models.ErrEmptyDocument
	}
	images := make([][]byte, len(texts))
	for i, t := range texts {
		images[i] = []byte(t)
	}
	return images, nil
}

// Calls returns how many times Render ran.
func (r *TextRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
