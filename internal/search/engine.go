// Package search answers questions over a session's pages: it embeds the query, ranks committed
// pages by late-interaction score, fetches their images, and streams a generated answer.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/pagelens/internal/catalog"
	"github.com/hyperjump/pagelens/internal/embedding"
	"github.com/hyperjump/pagelens/internal/generator"
	"github.com/hyperjump/pagelens/internal/models"
	"github.com/hyperjump/pagelens/internal/objectstore"
	"github.com/hyperjump/pagelens/internal/vector"
	"github.com/hyperjump/pagelens/pkg/utils"
)

const (
	tracerName         = "github.com/hyperjump/pagelens/internal/search"
	imageFetchParallel = 4
)

// Engine runs retrieval and answering. It is safe for concurrent use.
type Engine struct {
	catalog   catalog.Catalog
	embedder  embedding.Embedder
	index     vector.Index
	store     objectstore.Store
	generator generator.Generator
	maxTopK   int
	logger    *zap.Logger
	onStage   func(Stage)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a logger; stage transitions are logged at debug.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxTopK sets the upper bound top_k is clamped to. Zero or less leaves top_k unbounded,
// so a request larger than the session returns every page.
func WithMaxTopK(n int) Option {
	return func(e *Engine) {
		e.maxTopK = max(n, 0)
	}
}

// WithStageHook registers a callback invoked on every stage transition.
func WithStageHook(f func(Stage)) Option {
	return func(e *Engine) { e.onStage = f }
}

// NewEngine creates an engine with the given dependencies.
func NewEngine(
	cat catalog.Catalog,
	embedder embedding.Embedder,
	index vector.Index,
	store objectstore.Store,
	gen generator.Generator,
	opts ...Option,
) *Engine {
	e := &Engine{
		catalog:   cat,
		embedder:  embedder,
		index:     index,
		store:     store,
		generator: gen,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.OrNop(e.logger)
	return e
}

// MaxTopK returns the configured top_k bound, 0 when unbounded.
func (e *Engine) MaxTopK() int { return e.maxTopK }

type run struct {
	e       *Engine
	log     *zap.Logger
	started time.Time
}

func (e *Engine) start(q models.Query) *run {
	r := &run{e: e, started: time.Now(), log: e.logger.With(
		zap.String("session_id", q.SessionID),
		zap.String("query", utils.Truncate(q.Text, 80)),
	)}
	r.to(StageReceived)
	return r
}

func (r *run) to(s Stage) {
	r.log.Debug("query stage", zap.Stringer("stage", s))
	if s.Terminal() {
		r.log.Info("query finished", zap.Stringer("stage", s), zap.Duration("elapsed", time.Since(r.started)))
	}
	if r.e.onStage != nil {
		r.e.onStage(s)
	}
}

// noAnswer ends a query that found nothing to answer from. It is not a failure.
func (r *run) noAnswer() error {
	r.log.Debug("query has no candidate pages")
	r.to(StageDone)
	return models.ErrNoAnswer
}

func (r *run) fail(err error) error {
	r.log.Debug("query failed", zap.Error(err))
	r.to(StageFailed)
	return err
}

// Retrieve returns the top_k committed pages of the session ranked by MaxSim score.
// An empty session yields no hits and no error. Calling it twice without writes in
// between returns the same ranking.
func (e *Engine) Retrieve(ctx context.Context, q models.Query) ([]models.Hit, error) {
	r := e.start(q)
	hits, err := r.retrieve(ctx, &q)
	if err != nil {
		return nil, r.fail(err)
	}
	r.to(StageDone)
	return hits, nil
}

func (r *run) retrieve(ctx context.Context, q *models.Query) (hits []models.Hit, err error) {
	if err := ProcessQuery(q, r.e.maxTopK); err != nil {
		return nil, err
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "search.retrieve")
	span.SetAttributes(attribute.String("session_id", q.SessionID), attribute.Int("top_k", q.TopK))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("hits", len(hits)))
		span.End()
	}()

	r.to(StageEmbedding)
	queryVecs, err := r.e.embedder.EmbedQuery(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	r.to(StageSearching)
	docIDs, err := r.e.catalog.CommittedDocumentIDs(ctx, q.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list committed documents: %w", err)
	}
	if len(docIDs) == 0 {
		return []models.Hit{}, nil
	}
	results, err := r.e.index.Search(ctx, queryVecs, vector.Filter{SessionID: q.SessionID, DocumentIDs: docIDs}, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	hits = make([]models.Hit, 0, len(results))
	for _, res := range results {
		if res.SessionID != q.SessionID {
			continue
		}
		hits = append(hits, models.Hit{
			DocumentID: res.DocumentID,
			PageIndex:  res.PageIndex,
			Score:      res.Score,
			ObjectKey:  models.PageObjectKey(q.SessionID, res.DocumentID, res.PageIndex),
		})
	}
	return hits, nil
}

// Answer retrieves pages and streams a generated answer as cumulative snapshots.
// It returns models.ErrNoAnswer when the session has no usable pages; callers should treat
// that as a normal outcome. The returned channel closes when generation ends or ctx is done.
func (e *Engine) Answer(ctx context.Context, q models.Query) (<-chan generator.Snapshot, error) {
	r := e.start(q)
	hits, err := r.retrieve(ctx, &q)
	if err != nil {
		return nil, r.fail(err)
	}
	if len(hits) == 0 {
		return nil, r.noAnswer()
	}

	r.to(StageFetchingImages)
	pages, err := r.fetchImages(ctx, hits)
	if err != nil {
		return nil, r.fail(err)
	}
	if len(pages) == 0 {
		return nil, r.noAnswer()
	}

	r.to(StageGenerating)
	in, err := e.generator.Generate(ctx, q.Text, pages)
	if err != nil {
		return nil, r.fail(fmt.Errorf("generate: %w", err))
	}

	r.to(StageStreaming)
	out := make(chan generator.Snapshot)
	go r.forward(ctx, in, out)
	return out, nil
}

// fetchImages loads page images concurrently, keeping rank order. Pages whose image
// cannot be read are skipped.
func (r *run) fetchImages(ctx context.Context, hits []models.Hit) ([]models.PageImage, error) {
	images := make([][]byte, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(imageFetchParallel)
	for i, h := range hits {
		g.Go(func() error {
			data, err := r.e.store.Get(gctx, h.ObjectKey)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.log.Warn("skipping page image",
					zap.String("object_key", h.ObjectKey),
					zap.Error(err),
				)
				return nil
			}
			images[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	pages := make([]models.PageImage, 0, len(hits))
	for i, h := range hits {
		if images[i] == nil {
			continue
		}
		pages = append(pages, models.PageImage{
			DocumentID: h.DocumentID,
			PageIndex:  h.PageIndex,
			Score:      h.Score,
			Data:       images[i],
		})
	}
	return pages, nil
}

// forward relays snapshots and records the terminal stage. Once ctx is done it stops
// relaying but keeps draining in so the generator can exit.
func (r *run) forward(ctx context.Context, in <-chan generator.Snapshot, out chan<- generator.Snapshot) {
	defer close(out)
	var last generator.Snapshot
	relaying := true
	for s := range in {
		last = s
		if !relaying {
			continue
		}
		select {
		case out <- s:
		case <-ctx.Done():
			relaying = false
		}
	}
	switch {
	case last.Err != nil:
		_ = r.fail(last.Err)
	case ctx.Err() != nil:
		_ = r.fail(ctx.Err())
	default:
		r.to(StageDone)
	}
}

// IsClientError reports whether err is caused by invalid query input.
func IsClientError(err error) bool {
	return errors.Is(err, models.ErrInvalidSession) ||
		errors.Is(err, models.ErrEmptyQuery) ||
		errors.Is(err, models.ErrInvalidTopK)
}
