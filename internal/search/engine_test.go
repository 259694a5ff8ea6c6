package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hyperjump/pagelens/internal/catalog"
	"github.com/hyperjump/pagelens/internal/embedding"
	"github.com/hyperjump/pagelens/internal/generator"
	"github.com/hyperjump/pagelens/internal/indexer"
	"github.com/hyperjump/pagelens/internal/models"
	"github.com/hyperjump/pagelens/internal/objectstore"
	"github.com/hyperjump/pagelens/internal/render/rendertest"
	"github.com/hyperjump/pagelens/internal/vector"
)

type fixture struct {
	engine   *Engine
	indexer  *indexer.Indexer
	renderer *rendertest.TextRenderer
	catalog  *catalog.SQLiteCatalog
	store    *objectstore.DiskStore
	index    *vector.MemoryIndex
	embedder *embedding.MockEmbedder
}

func newFixture(t *testing.T, gen generator.Generator, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.NewSQLiteCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	store, err := objectstore.NewDiskStore(filepath.Join(dir, "pages"))
	if err != nil {
		t.Fatal(err)
	}
	index, err := vector.NewMemoryIndex(32)
	if err != nil {
		t.Fatal(err)
	}
	emb := embedding.NewMockEmbedder(32, 8)
	r := rendertest.NewTextRenderer()
	if gen == nil {
		gen = generator.NewEchoGenerator()
	}
	return &fixture{
		engine:   NewEngine(cat, emb, index, store, gen, opts...),
		indexer:  indexer.New(cat, r, emb, store, index),
		renderer: r,
		catalog:  cat,
		store:    store,
		index:    index,
		embedder: emb,
	}
}

// ingest adds one document per entry of docs, each a list of page texts, and returns their IDs.
func (f *fixture) ingest(t *testing.T, session string, docs ...[]string) []string {
	t.Helper()
	files := make([]indexer.FileInput, len(docs))
	for i, pages := range docs {
		files[i] = indexer.FileInput{Filename: "doc.pdf", Data: f.renderer.PDF(pages...)}
	}
	ids := make([]string, len(docs))
	for i, r := range f.indexer.IngestBatch(context.Background(), session, files) {
		if !r.OK() {
			t.Fatalf("ingest %d: %s", i, r.Error)
		}
		ids[i] = r.DocumentID
	}
	return ids
}

func TestRetrieve_ranksMatchingPageFirst(t *testing.T) {
	f := newFixture(t, nil)
	ids := f.ingest(t, "s1",
		[]string{"company history", "vacation policy twenty days"},
		[]string{"expense reports", "travel booking"},
	)
	hits, err := f.engine.Retrieve(context.Background(), models.Query{SessionID: "s1", Text: "vacation days", TopK: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d", len(hits))
	}
	if hits[0].DocumentID != ids[0] || hits[0].PageIndex != 1 {
		t.Errorf("top hit = %+v", hits[0])
	}
	if hits[0].ObjectKey != models.PageObjectKey("s1", ids[0], 1) {
		t.Errorf("object key = %s", hits[0].ObjectKey)
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Errorf("hits not in descending order at %d: %+v", i, hits)
		}
	}
}

func TestRetrieve_idempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, "s1", []string{"alpha", "beta", "gamma"}, []string{"alpha beta"})
	q := models.Query{SessionID: "s1", Text: "alpha beta", TopK: 4}
	first, err := f.engine.Retrieve(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.Retrieve(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("rankings differ:\n%v\n%v", first, second)
	}
}

func TestRetrieve_sessionIsolation(t *testing.T) {
	f := newFixture(t, nil)
	s1 := f.ingest(t, "s1", []string{"quarterly revenue"})
	f.ingest(t, "s2", []string{"unrelated text"})

	hits, err := f.engine.Retrieve(context.Background(), models.Query{SessionID: "s2", Text: "quarterly revenue", TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.DocumentID == s1[0] {
			t.Errorf("s2 query returned s1 page %+v", h)
		}
	}
	if len(hits) != 1 {
		t.Errorf("hits = %d, want 1", len(hits))
	}
}

func TestRetrieve_pendingDocumentsInvisible(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ingest(t, "s1", []string{"committed page"})

	pending := &models.Document{ID: "pending-doc", SessionID: "s1", Filename: "p.pdf", NumPages: 1}
	if err := f.catalog.CreatePending(ctx, pending); err != nil {
		t.Fatal(err)
	}
	vecs, err := f.embedder.EmbedImages(ctx, [][]byte{[]byte("secret pending")})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.index.Upsert(ctx, []models.PageEmbedding{{SessionID: "s1", DocumentID: pending.ID, Vectors: vecs[0]}}); err != nil {
		t.Fatal(err)
	}

	hits, err := f.engine.Retrieve(ctx, models.Query{SessionID: "s1", Text: "secret pending", TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.DocumentID == pending.ID {
			t.Error("pending document should not be retrievable")
		}
	}
}

func TestRetrieve_topKBoundaries(t *testing.T) {
	f := newFixture(t, nil, WithMaxTopK(3))
	f.ingest(t, "s1", []string{"a", "b", "c", "d", "e"})
	tests := []struct {
		name     string
		topK     int
		wantHits int
		wantErr  error
	}{
		{"zero", 0, 0, models.ErrInvalidTopK},
		{"negative", -1, 0, models.ErrInvalidTopK},
		{"one", 1, 1, nil},
		{"at max", 3, 3, nil},
		{"clamped", 50, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := f.engine.Retrieve(context.Background(), models.Query{SessionID: "s1", Text: "a", TopK: tt.topK})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if len(hits) != tt.wantHits {
				t.Errorf("hits = %d, want %d", len(hits), tt.wantHits)
			}
		})
	}
}

func TestRetrieve_fewerPagesThanTopK(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, "s1", []string{"only", "two"})
	hits, err := f.engine.Retrieve(context.Background(), models.Query{SessionID: "s1", Text: "only", TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Errorf("hits = %d, want 2", len(hits))
	}
}

func TestRetrieve_topKAboveSessionSizeReturnsAllPages(t *testing.T) {
	f := newFixture(t, nil)
	pages := make([]string, 12)
	for i := range pages {
		pages[i] = fmt.Sprintf("quarterly report section %d", i)
	}
	f.ingest(t, "s1", pages)
	hits, err := f.engine.Retrieve(context.Background(), models.Query{SessionID: "s1", Text: "quarterly report", TopK: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 12 {
		t.Errorf("top_k=20 over 12 pages returned %d hits, want 12", len(hits))
	}
	if f.engine.MaxTopK() != 0 {
		t.Errorf("default max top_k = %d, want unbounded", f.engine.MaxTopK())
	}
}

func TestRetrieve_invalidInput(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		q    models.Query
		want error
	}{
		{"empty session", models.Query{Text: "q", TopK: 1}, models.ErrInvalidSession},
		{"traversal session", models.Query{SessionID: "..", Text: "q", TopK: 1}, models.ErrInvalidSession},
		{"blank query", models.Query{SessionID: "s", Text: "   ", TopK: 1}, models.ErrEmptyQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Retrieve(context.Background(), tt.q)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if !IsClientError(err) {
				t.Errorf("%v should be a client error", err)
			}
		})
	}
}

func TestAnswer_emptySessionHasNoAnswer(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, "other", []string{"something"})
	_, err := f.engine.Answer(context.Background(), models.Query{SessionID: "empty", Text: "anything", TopK: 3})
	if !errors.Is(err, models.ErrNoAnswer) {
		t.Errorf("err = %v, want ErrNoAnswer", err)
	}
	if IsClientError(err) {
		t.Error("no answer is not a client error")
	}
}

func TestAnswer_streamsCumulativeSnapshots(t *testing.T) {
	f := newFixture(t, nil)
	ids := f.ingest(t, "s1", []string{"intro", "vacation policy"})
	ch, err := f.engine.Answer(context.Background(), models.Query{SessionID: "s1", Text: "vacation", TopK: 1})
	if err != nil {
		t.Fatal(err)
	}
	var snaps []string
	for s := range ch {
		if s.Err != nil {
			t.Fatal(s.Err)
		}
		snaps = append(snaps, s.Text)
	}
	if len(snaps) < 2 {
		t.Fatalf("snapshots = %d, want several", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if !strings.HasPrefix(snaps[i], snaps[i-1]) {
			t.Errorf("snapshot %d does not extend snapshot %d", i, i-1)
		}
	}
	final := snaps[len(snaps)-1]
	if !strings.Contains(final, "document "+ids[0]+", page 2") {
		t.Errorf("final answer should cite the vacation page: %q", final)
	}
}

// recordingGenerator captures the pages it is given.
type recordingGenerator struct {
	mu    sync.Mutex
	pages []models.PageImage
}

func (g *recordingGenerator) Generate(ctx context.Context, query string, pages []models.PageImage) (<-chan generator.Snapshot, error) {
	g.mu.Lock()
	g.pages = pages
	g.mu.Unlock()
	return generator.NewEchoGenerator().Generate(ctx, query, pages)
}

// flakyStore fails Get for keys containing a marker.
type flakyStore struct {
	objectstore.Store
	marker string
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.marker == "" || strings.Contains(key, s.marker) {
		return nil, errors.New("object unavailable")
	}
	return s.Store.Get(ctx, key)
}

func TestAnswer_skipsUnreadableImages(t *testing.T) {
	gen := &recordingGenerator{}
	f := newFixture(t, gen)
	ids := f.ingest(t, "s1", []string{"apple"}, []string{"apple pie"})
	f.engine.store = &flakyStore{Store: f.store, marker: ids[0]}

	ch, err := f.engine.Answer(context.Background(), models.Query{SessionID: "s1", Text: "apple", TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := generator.Collect(ch); err != nil {
		t.Fatal(err)
	}
	if len(gen.pages) != 1 || gen.pages[0].DocumentID != ids[1] {
		t.Errorf("generator pages = %+v", gen.pages)
	}
	if string(gen.pages[0].Data) != "apple pie" {
		t.Errorf("page data = %q", gen.pages[0].Data)
	}
}

func TestAnswer_allImagesUnreadable(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, "s1", []string{"apple"})
	f.engine.store = &flakyStore{Store: f.store}
	_, err := f.engine.Answer(context.Background(), models.Query{SessionID: "s1", Text: "apple", TopK: 2})
	if !errors.Is(err, models.ErrNoAnswer) {
		t.Errorf("err = %v, want ErrNoAnswer", err)
	}
}

type stageLog struct {
	mu     sync.Mutex
	stages []Stage
}

func (l *stageLog) record(s Stage) {
	l.mu.Lock()
	l.stages = append(l.stages, s)
	l.mu.Unlock()
}

func (l *stageLog) get() []Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Stage(nil), l.stages...)
}

func TestAnswer_stageTransitions(t *testing.T) {
	log := &stageLog{}
	f := newFixture(t, nil, WithStageHook(log.record))
	f.ingest(t, "s1", []string{"apple"})
	ch, err := f.engine.Answer(context.Background(), models.Query{SessionID: "s1", Text: "apple", TopK: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := generator.Collect(ch); err != nil {
		t.Fatal(err)
	}
	want := []Stage{StageReceived, StageEmbedding, StageSearching, StageFetchingImages, StageGenerating, StageStreaming, StageDone}
	if got := log.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("stages = %v, want %v", got, want)
	}
}

type brokenEmbedder struct{ embedding.Embedder }

func (brokenEmbedder) EmbedQuery(context.Context, string) ([][]float32, error) {
	return nil, errors.New("model server down")
}

func TestAnswer_embeddingFailureIsTerminal(t *testing.T) {
	log := &stageLog{}
	f := newFixture(t, nil, WithStageHook(log.record))
	f.engine.embedder = brokenEmbedder{f.embedder}
	_, err := f.engine.Answer(context.Background(), models.Query{SessionID: "s1", Text: "apple", TopK: 1})
	if err == nil || IsClientError(err) || errors.Is(err, models.ErrNoAnswer) {
		t.Fatalf("err = %v, want backend failure", err)
	}
	got := log.get()
	if got[len(got)-1] != StageFailed || got[len(got)-2] != StageEmbedding {
		t.Errorf("stages = %v", got)
	}
}

// blockingGenerator emits one snapshot and then waits for cancellation.
type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, _ string, _ []models.PageImage) (<-chan generator.Snapshot, error) {
	ch := make(chan generator.Snapshot)
	go func() {
		defer close(ch)
		select {
		case ch <- generator.Snapshot{Text: "partial"}:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func TestAnswer_cancellationClosesStream(t *testing.T) {
	log := &stageLog{}
	f := newFixture(t, blockingGenerator{}, WithStageHook(log.record))
	f.ingest(t, "s1", []string{"apple"})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.engine.Answer(ctx, models.Query{SessionID: "s1", Text: "apple", TopK: 1})
	if err != nil {
		t.Fatal(err)
	}
	if s := <-ch; s.Text != "partial" {
		t.Fatalf("first snapshot = %+v", s)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := log.get(); got[len(got)-1] == StageFailed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("stages = %v, want FAILED last", log.get())
}

func TestStage_String(t *testing.T) {
	if StageFetchingImages.String() != "FETCHING_IMAGES" || Stage(99).String() != "UNKNOWN" {
		t.Error("unexpected stage names")
	}
	if !StageDone.Terminal() || !StageFailed.Terminal() || StageStreaming.Terminal() {
		t.Error("unexpected terminal stages")
	}
}

func TestRetrieve_logsFinishedOnce(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixture(t, nil, WithLogger(zap.New(core)))
	f.ingest(t, "s1", []string{"alpha"})
	if _, err := f.engine.Retrieve(context.Background(), models.Query{SessionID: "s1", Text: "alpha", TopK: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Retrieve(context.Background(), models.Query{SessionID: "s1", Text: "alpha", TopK: 0}); err == nil {
		t.Fatal("expected invalid top_k")
	}
	entries := logs.FilterMessage("query finished").All()
	if len(entries) != 2 {
		t.Fatalf("finished entries = %d, want 2", len(entries))
	}
	if got := entries[0].ContextMap()["stage"]; got != "DONE" {
		t.Errorf("first stage = %v", got)
	}
	if got := entries[1].ContextMap()["stage"]; got != "FAILED" {
		t.Errorf("second stage = %v", got)
	}
}
