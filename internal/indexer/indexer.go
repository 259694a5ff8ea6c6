// Package indexer ingests PDFs into a session: it renders pages, embeds them as multi-vectors,
// stores page images and vectors, and publishes the document through the catalog commit marker.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/pagelens/internal/catalog"
	"github.com/hyperjump/pagelens/internal/embedding"
	"github.com/hyperjump/pagelens/internal/events"
	"github.com/hyperjump/pagelens/internal/models"
	"github.com/hyperjump/pagelens/internal/objectstore"
	"github.com/hyperjump/pagelens/internal/render"
	"github.com/hyperjump/pagelens/internal/vector"
	"github.com/hyperjump/pagelens/pkg/fn"
	"github.com/hyperjump/pagelens/pkg/utils"
)

const (
	defaultWorkers      = 2
	defaultBatchSize    = 4
	defaultMaxFileBytes = 50 << 20
	pageUploadWorkers   = 4
)

// FileInput is one uploaded file.
type FileInput struct {
	Filename string
	Data     []byte
}

// Indexer runs the ingestion pipeline. It is safe for concurrent use.
type Indexer struct {
	catalog      catalog.Catalog
	renderer     render.Renderer
	embedder     embedding.Embedder
	store        objectstore.Store
	index        vector.Index
	publisher    events.Publisher
	logger       *zap.Logger
	workers      int
	batchSize    int
	maxFileBytes int64
	snapshotPath string
	snapshotMu   sync.Mutex
	pipeline     fn.Stage[*job, *job]
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets a logger for ingestion and cleanup events.
func WithLogger(l *zap.Logger) Option {
	return func(idx *Indexer) { idx.logger = l }
}

// WithPublisher sets where document events are sent.
func WithPublisher(p events.Publisher) Option {
	return func(idx *Indexer) { idx.publisher = p }
}

// WithWorkers bounds how many files of a batch are ingested at once.
func WithWorkers(n int) Option {
	return func(idx *Indexer) {
		if n > 0 {
			idx.workers = n
		}
	}
}

// WithBatchSize sets how many page images go into one embedding call.
func WithBatchSize(n int) Option {
	return func(idx *Indexer) {
		if n > 0 {
			idx.batchSize = n
		}
	}
}

// WithMaxFileBytes sets the per-file size limit.
func WithMaxFileBytes(n int64) Option {
	return func(idx *Indexer) {
		if n > 0 {
			idx.maxFileBytes = n
		}
	}
}

// WithIndexSnapshot makes a file-backed index durable before each commit: after a document's
// vectors are upserted the index is saved to path, and only then is the document committed.
// It has no effect on indexes that do not implement vector.Persister.
func WithIndexSnapshot(path string) Option {
	return func(idx *Indexer) { idx.snapshotPath = path }
}

// New creates an indexer over the given stores.
func New(
	cat catalog.Catalog,
	renderer render.Renderer,
	embedder embedding.Embedder,
	store objectstore.Store,
	index vector.Index,
	opts ...Option,
) *Indexer {
	idx := &Indexer{
		catalog:      cat,
		renderer:     renderer,
		embedder:     embedder,
		store:        store,
		index:        index,
		publisher:    events.Nop{},
		logger:       zap.NewNop(),
		workers:      defaultWorkers,
		batchSize:    defaultBatchSize,
		maxFileBytes: defaultMaxFileBytes,
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = utils.OrNop(idx.logger)
	idx.pipeline = fn.Pipeline(
		fn.TracedStage[*job, *job]("ingest.probe", idx.probe),
		fn.TapStage(idx.accepted),
		fn.TracedStage[*job, *job]("ingest.reserve", idx.reserve),
		fn.TracedStage[*job, *job]("ingest.render", idx.render),
		fn.TracedStage[*job, *job]("ingest.embed", idx.embed),
		fn.TracedStage[*job, *job]("ingest.store", idx.storePages),
		fn.TracedStage[*job, *job]("ingest.snapshot", idx.snapshot),
		fn.TracedStage[*job, *job]("ingest.commit", idx.commit),
	)
	return idx
}

// IngestBatch ingests every file into session. Files are independent: a failure in one is
// reported in its result and never affects the others. Results keep input order.
func (idx *Indexer) IngestBatch(ctx context.Context, session string, files []FileInput) []models.IngestResult {
	results := make([]models.IngestResult, len(files))
	if err := models.ValidateSessionID(session); err != nil {
		for i, f := range files {
			results[i] = models.IngestResult{Filename: f.Filename, Error: err.Error()}
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(idx.workers)
	for i, f := range files {
		g.Go(func() error {
			results[i] = toResult(f.Filename, idx.ingest(ctx, session, f))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// IngestFile reads a PDF from disk and ingests it into session.
func (idx *Indexer) IngestFile(ctx context.Context, session, path string) (*models.Document, error) {
	if err := models.ValidateSessionID(session); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > idx.maxFileBytes {
		return nil, fmt.Errorf("%s is %d bytes: %w", filepath.Base(path), info.Size(), models.ErrFileTooLarge)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return idx.ingest(ctx, session, FileInput{Filename: filepath.Base(path), Data: data}).Unwrap()
}

// SyncFile brings a file from disk up to date in session. A committed document with the
// same filename created after the file's last modification means nothing changed and the file
// is skipped. Otherwise the file is ingested and, once committed, older documents with that
// filename are removed. It reports whether the file was ingested.
func (idx *Indexer) SyncFile(ctx context.Context, session, path string) (*models.Document, bool, error) {
	if err := models.ValidateSessionID(session); err != nil {
		return nil, false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, fmt.Errorf("stat file: %w", err)
	}
	docs, err := idx.catalog.ListDocuments(ctx, session)
	if err != nil {
		return nil, false, err
	}
	name := cleanFilename(filepath.Base(path))
	var previous []*models.Document
	for _, d := range docs {
		if d.Filename != name {
			continue
		}
		if !info.ModTime().After(d.CreatedAt) {
			return d, false, nil
		}
		previous = append(previous, d)
	}

	doc, err := idx.IngestFile(ctx, session, path)
	if err != nil {
		return nil, false, err
	}
	for _, d := range previous {
		if err := idx.DeleteDocument(ctx, session, d.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			idx.logger.Warn("remove replaced document",
				zap.String("session_id", session), zap.String("document_id", d.ID), zap.Error(err))
		}
	}
	return doc, true, nil
}

func toResult(filename string, r fn.Result[*models.Document]) models.IngestResult {
	doc, err := r.Unwrap()
	if err != nil {
		return models.IngestResult{Filename: filename, Error: err.Error()}
	}
	return models.IngestResult{Filename: filename, DocumentID: doc.ID, NumPages: doc.NumPages}
}

// job carries one file through the pipeline stages.
type job struct {
	session  string
	input    FileInput
	doc      *models.Document
	reserved bool
	numPages int
	texts    []string
	images   [][]byte
	vectors  [][][]float32
	pages    []models.Page
}

func (idx *Indexer) ingest(ctx context.Context, session string, f FileInput) fn.Result[*models.Document] {
	j := &job{session: session, input: f}
	r := fn.MapResult(idx.pipeline(ctx, j), func(j *job) *models.Document { return j.doc })
	if !r.IsOk() {
		idx.logger.Warn("ingest failed",
			zap.String("session_id", session), zap.String("filename", f.Filename), zap.Error(r.Error()))
		if j.reserved {
			idx.cleanup(context.WithoutCancel(ctx), j.doc)
		}
		return r
	}
	idx.announce(ctx, j)
	return r
}

// accepted logs a payload that passed the probe.
func (idx *Indexer) accepted(_ context.Context, j *job) {
	idx.logger.Debug("pdf accepted",
		zap.String("session_id", j.session),
		zap.String("filename", j.input.Filename),
		zap.Int("pages", j.numPages),
		zap.Int("bytes", len(j.input.Data)),
	)
}

// announce logs and publishes a committed document.
func (idx *Indexer) announce(ctx context.Context, j *job) {
	idx.logger.Info("document committed",
		zap.String("session_id", j.session),
		zap.String("filename", j.input.Filename),
		zap.String("document_id", j.doc.ID),
		zap.Int("pages", j.doc.NumPages),
	)
	idx.publish(ctx, events.SubjectDocumentCommitted, events.DocumentCommitted{
		SessionID:  j.session,
		DocumentID: j.doc.ID,
		Filename:   j.doc.Filename,
		NumPages:   j.doc.NumPages,
		At:         time.Now().UTC(),
	})
}

// probe rejects oversized and non-PDF payloads before anything is written.
func (idx *Indexer) probe(_ context.Context, j *job) fn.Result[*job] {
	if int64(len(j.input.Data)) > idx.maxFileBytes {
		return fn.Errf[*job]("%d bytes exceeds %d: %w", len(j.input.Data), idx.maxFileBytes, models.ErrFileTooLarge)
	}
	n, err := render.Probe(j.input.Data)
	if err != nil {
		return fn.Err[*job](err)
	}
	j.numPages = n
	return fn.Ok(j)
}

func (idx *Indexer) reserve(ctx context.Context, j *job) fn.Result[*job] {
	j.doc = &models.Document{
		ID:        uuid.New().String(),
		SessionID: j.session,
		Filename:  cleanFilename(j.input.Filename),
		NumPages:  j.numPages,
	}
	if err := idx.catalog.CreatePending(ctx, j.doc); err != nil {
		return fn.Err[*job](err)
	}
	j.reserved = true
	return fn.Ok(j)
}

func (idx *Indexer) render(ctx context.Context, j *job) fn.Result[*job] {
	images, err := idx.renderer.Render(ctx, j.input.Data)
	if err != nil {
		return fn.Errf[*job]("render: %w", err)
	}
	if len(images) == 0 {
		return fn.Err[*job](models.ErrEmptyDocument)
	}
	j.images = images
	j.texts = render.PageTexts(j.input.Data, len(images))
	return fn.Ok(j)
}

func (idx *Indexer) embed(ctx context.Context, j *job) fn.Result[*job] {
	j.vectors = make([][][]float32, 0, len(j.images))
	for start := 0; start < len(j.images); start += idx.batchSize {
		end := min(start+idx.batchSize, len(j.images))
		batch, err := idx.embedder.EmbedImages(ctx, j.images[start:end])
		if err != nil {
			return fn.Errf[*job]("embed pages %d-%d: %w", start, end-1, err)
		}
		if len(batch) != end-start {
			return fn.Errf[*job]("embed pages %d-%d: got %d embeddings", start, end-1, len(batch))
		}
		j.vectors = append(j.vectors, batch...)
	}
	return fn.Ok(j)
}

// storePages uploads page images, then upserts their vectors. Page i keeps index i throughout.
func (idx *Indexer) storePages(ctx context.Context, j *job) fn.Result[*job] {
	indexes := make([]int, len(j.images))
	for i := range indexes {
		indexes[i] = i
	}
	uploads := fn.ParMapResult(indexes, pageUploadWorkers, func(i int) fn.Result[models.Page] {
		key := models.PageObjectKey(j.session, j.doc.ID, i)
		if err := idx.store.Put(ctx, key, j.images[i], "image/jpeg"); err != nil {
			return fn.Errf[models.Page]("store page %d: %w", i, err)
		}
		return fn.Ok(models.Page{
			DocumentID: j.doc.ID,
			SessionID:  j.session,
			Index:      i,
			ObjectKey:  key,
			Text:       pageText(j.texts[i]),
		})
	})
	pages, errs := fn.Partition(uploads)
	if len(errs) > 0 {
		return fn.Err[*job](errors.Join(errs...))
	}
	j.pages = pages

	embeddings := make([]models.PageEmbedding, len(j.vectors))
	for i, v := range j.vectors {
		embeddings[i] = models.PageEmbedding{
			SessionID:  j.session,
			DocumentID: j.doc.ID,
			PageIndex:  i,
			Vectors:    v,
		}
	}
	if err := idx.index.Upsert(ctx, embeddings); err != nil {
		return fn.Err[*job](err)
	}
	return fn.Ok(j)
}

// snapshot saves a file-backed index so a committed document never outlives its vectors.
func (idx *Indexer) snapshot(_ context.Context, j *job) fn.Result[*job] {
	p, ok := idx.index.(vector.Persister)
	if !ok || idx.snapshotPath == "" {
		return fn.Ok(j)
	}
	idx.snapshotMu.Lock()
	defer idx.snapshotMu.Unlock()
	if err := p.Save(idx.snapshotPath); err != nil {
		return fn.Errf[*job]("save vector index: %w", err)
	}
	return fn.Ok(j)
}

func (idx *Indexer) commit(ctx context.Context, j *job) fn.Result[*job] {
	if err := idx.catalog.Commit(ctx, j.doc.ID, j.pages); err != nil {
		return fn.Err[*job](err)
	}
	now := time.Now().UTC()
	j.doc.Status = models.StatusCommitted
	j.doc.NumPages = len(j.pages)
	j.doc.CommittedAt = &now
	return fn.Ok(j)
}

// cleanup removes whatever a failed ingestion wrote. Failures are logged only.
func (idx *Indexer) cleanup(ctx context.Context, doc *models.Document) {
	log := idx.logger.With(zap.String("session_id", doc.SessionID), zap.String("document_id", doc.ID))
	if err := idx.index.DeleteDocument(ctx, doc.SessionID, doc.ID); err != nil {
		log.Warn("cleanup vectors", zap.Error(err))
	}
	if err := idx.store.DeletePrefix(ctx, models.DocumentPrefix(doc.SessionID, doc.ID)); err != nil {
		log.Warn("cleanup page images", zap.Error(err))
	}
	if err := idx.catalog.DeleteDocument(ctx, doc.SessionID, doc.ID); err != nil {
		log.Warn("cleanup catalog row", zap.Error(err))
	}
}

// DeleteDocument removes a document's vectors, page images and catalog rows, in that order.
func (idx *Indexer) DeleteDocument(ctx context.Context, session, documentID string) error {
	if err := models.ValidateSessionID(session); err != nil {
		return err
	}
	if _, err := idx.catalog.GetDocument(ctx, session, documentID); err != nil {
		return err
	}
	if err := idx.index.DeleteDocument(ctx, session, documentID); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	if err := idx.store.DeletePrefix(ctx, models.DocumentPrefix(session, documentID)); err != nil {
		return fmt.Errorf("failed to delete page images: %w", err)
	}
	if err := idx.catalog.DeleteDocument(ctx, session, documentID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	idx.logger.Info("document deleted", zap.String("session_id", session), zap.String("document_id", documentID))
	idx.publish(ctx, events.SubjectDocumentDeleted, events.DocumentDeleted{
		SessionID:  session,
		DocumentID: documentID,
		At:         time.Now().UTC(),
	})
	return nil
}

// DeleteSession removes everything stored for a session and returns the number of documents removed.
func (idx *Indexer) DeleteSession(ctx context.Context, session string) (int, error) {
	if err := models.ValidateSessionID(session); err != nil {
		return 0, err
	}
	if err := idx.index.DeleteSession(ctx, session); err != nil {
		return 0, fmt.Errorf("failed to delete vectors: %w", err)
	}
	if err := idx.store.DeletePrefix(ctx, models.SessionPrefix(session)); err != nil {
		return 0, fmt.Errorf("failed to delete page images: %w", err)
	}
	n, err := idx.catalog.DeleteSession(ctx, session)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	idx.logger.Info("session deleted", zap.String("session_id", session), zap.Int("documents", n))
	idx.publish(ctx, events.SubjectSessionDeleted, events.SessionDeleted{
		SessionID: session,
		Documents: n,
		At:        time.Now().UTC(),
	})
	return n, nil
}

func (idx *Indexer) publish(ctx context.Context, subject string, v any) {
	if err := idx.publisher.Publish(ctx, subject, v); err != nil {
		idx.logger.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// cleanFilename keeps the base name of an uploaded file.
func cleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload.pdf"
	}
	return name
}
