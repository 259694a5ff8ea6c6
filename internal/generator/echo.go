package generator

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/pagelens/internal/models"
)

// EchoGenerator answers without a model: it lists the pages it was given. The answer is
// streamed in fixed-size chunks so consumers see the same cumulative contract as a real model.
type EchoGenerator struct {
	ChunkSize int
}

// NewEchoGenerator returns an EchoGenerator with 16-byte chunks. Chunks never split a rune.
func NewEchoGenerator() *EchoGenerator {
	return &EchoGenerator{ChunkSize: 16}
}

// Answer returns the full answer Generate streams.
func (g *EchoGenerator) Answer(query string, pages []models.PageImage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nRelevant pages:", strings.TrimSpace(query))
	for i, p := range pages {
		fmt.Fprintf(&b, "\n%d. %s (score %.3f)", i+1, pageLabel(p), p.Score)
	}
	return b.String()
}

// Generate streams Answer in chunks.
func (g *EchoGenerator) Generate(ctx context.Context, query string, pages []models.PageImage) (<-chan Snapshot, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.ErrEmptyQuery
	}
	if len(pages) == 0 {
		return nil, models.ErrNoAnswer
	}
	answer := g.Answer(query, pages)
	size := g.ChunkSize
	if size <= 0 {
		size = len(answer)
	}
	out := newEmitter(1)
	go func() {
		for end := size; end < len(answer); end += size {
			for end < len(answer) && !utf8.RuneStart(answer[end]) {
				end++
			}
			if end == len(answer) {
				break
			}
			if err := out.send(ctx, Snapshot{Text: answer[:end]}); err != nil {
				close(out.ch)
				return
			}
		}
		out.finish(ctx, Snapshot{Text: answer})
	}()
	return out.ch, nil
}
