// Package generator produces grounded answers from retrieved page images as a stream of
// cumulative snapshots: each snapshot holds the whole answer so far, and the last one wins.
package generator

import (
	"context"
	"fmt"

	"github.com/hyperjump/pagelens/internal/models"
)

// Snapshot is the best-known full answer at one point of generation.
// A terminal failure arrives as a last snapshot with Err set.
type Snapshot struct {
	Text string
	Err  error
}

// Generator answers a question from page images.
type Generator interface {
	// Generate starts generation and returns a channel that is closed when generation ends
	// or ctx is cancelled.
	Generate(ctx context.Context, query string, pages []models.PageImage) (<-chan Snapshot, error)
}

// Collect drains a snapshot channel and returns the final answer.
func Collect(ch <-chan Snapshot) (string, error) {
	var last Snapshot
	for s := range ch {
		last = s
	}
	return last.Text, last.Err
}

// emitter sends snapshots without blocking past cancellation.
type emitter struct {
	ch   chan Snapshot
	last string
	sent bool
}

func newEmitter(buffer int) *emitter {
	return &emitter{ch: make(chan Snapshot, buffer)}
}

func (e *emitter) send(ctx context.Context, s Snapshot) error {
	select {
	case e.ch <- s:
		e.last, e.sent = s.Text, true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish sends the final snapshot unless it repeats the last one, then closes the channel.
func (e *emitter) finish(ctx context.Context, s Snapshot) {
	defer close(e.ch)
	if s.Err == nil && e.sent && s.Text == e.last {
		return
	}
	_ = e.send(ctx, s)
}

func pageLabel(p models.PageImage) string {
	return fmt.Sprintf("document %s, page %d", p.DocumentID, p.PageIndex+1)
}
