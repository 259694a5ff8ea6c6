package render

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"

	"github.com/hyperjump/pagelens/internal/models"
)

// FitzRenderer rasterizes pages with MuPDF and encodes them as JPEG.
type FitzRenderer struct {
	DPI     float64
	Quality int
}

// NewFitzRenderer returns a renderer with the given resolution and JPEG quality.
// Non-positive values fall back to 100 DPI and quality 85.
func NewFitzRenderer(dpi float64, quality int) *FitzRenderer {
	if dpi <= 0 {
		dpi = 100
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &FitzRenderer{DPI: dpi, Quality: quality}
}

// Render returns one JPEG per page in page order.
func (f *FitzRenderer) Render(ctx context.Context, data []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("open PDF: %v: %w", err, models.ErrUnsupportedFile)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, models.ErrEmptyDocument
	}
	pages := make([][]byte, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := doc.ImageDPI(i, f.DPI)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i, err)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: f.Quality}); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i, err)
		}
		pages[i] = buf.Bytes()
	}
	return pages, nil
}
