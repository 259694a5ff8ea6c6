package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/pagelens/internal/catalog"
	"github.com/hyperjump/pagelens/internal/config"
	"github.com/hyperjump/pagelens/internal/embedding"
	"github.com/hyperjump/pagelens/internal/generator"
	"github.com/hyperjump/pagelens/internal/indexer"
	"github.com/hyperjump/pagelens/internal/models"
	"github.com/hyperjump/pagelens/internal/objectstore"
	"github.com/hyperjump/pagelens/internal/render/rendertest"
	"github.com/hyperjump/pagelens/internal/search"
	"github.com/hyperjump/pagelens/internal/vector"
)

type testEnv struct {
	srv      *Server
	handler  http.Handler
	renderer *rendertest.TextRenderer
	cfg      *config.Config
}

type envOptions struct {
	embedder  embedding.Embedder
	generator generator.Generator
	maxFile   int64
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Storage:     config.StorageConfig{DatabasePath: filepath.Join(dir, "catalog.db")},
		ObjectStore: config.ObjectStoreConfig{Dir: filepath.Join(dir, "pages")},
		Embedding:   config.EmbeddingConfig{Backend: "mock"},
		Generator:   config.GeneratorConfig{Provider: "echo"},
		Ingest:      config.IngestConfig{MaxFileBytes: o.maxFile},
	}
	config.ApplyDefaults(cfg)

	cat, err := catalog.NewSQLiteCatalog(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	store, err := objectstore.NewDiskStore(cfg.ObjectStore.Dir)
	if err != nil {
		t.Fatal(err)
	}
	index, err := vector.NewMemoryIndex(32)
	if err != nil {
		t.Fatal(err)
	}
	mock := embedding.NewMockEmbedder(32, 8)
	emb := o.embedder
	if emb == nil {
		emb = mock
	}
	gen := o.generator
	if gen == nil {
		gen = generator.NewEchoGenerator()
	}
	r := rendertest.NewTextRenderer()
	idx := indexer.New(cat, r, mock, store, index, indexer.WithMaxFileBytes(cfg.Ingest.MaxFileBytes))
	engine := search.NewEngine(cat, emb, index, store, gen, search.WithMaxTopK(cfg.Search.MaxTopK))
	srv := NewServer(engine, idx, cat, store, index, cfg, nil)
	return &testEnv{srv: srv, handler: srv.Handler(), renderer: r, cfg: cfg}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

type upload struct {
	name string
	data []byte
}

func multipartBody(t *testing.T, files ...upload) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) ingest(t *testing.T, session string, files ...upload) []models.IngestResult {
	t.Helper()
	body, ct := multipartBody(t, files...)
	req := httptest.NewRequest(http.MethodPost, "/ingest-pdfs/?session_id="+session, body)
	req.Header.Set("Content-Type", ct)
	w := e.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("ingest status = %d: %s", w.Code, w.Body.String())
	}
	var out ingestResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Results
}

func queryPath(route, session, q, topK string) string {
	v := url.Values{}
	v.Set("session_id", session)
	v.Set("query", q)
	if topK != "" {
		v.Set("top_k", topK)
	}
	return route + "?" + v.Encode()
}

func readLines(t *testing.T, body io.Reader) []answerLine {
	t.Helper()
	var lines []answerLine
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		var l answerLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("bad ndjson line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	return lines
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestHandleIngest_partialFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	results := env.ingest(t, "s1",
		upload{"a.pdf", env.renderer.PDF("first file")},
		upload{"b.pdf", []byte("corrupt bytes")},
		upload{"c.pdf", env.renderer.PDF("third", "file")},
	)
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Filename != "a.pdf" || results[0].NumPages != 1 || results[0].DocumentID == "" {
		t.Errorf("a.pdf = %+v", results[0])
	}
	if results[1].Filename != "b.pdf" || results[1].Error == "" {
		t.Errorf("b.pdf = %+v", results[1])
	}
	if results[2].Filename != "c.pdf" || results[2].NumPages != 2 {
		t.Errorf("c.pdf = %+v", results[2])
	}
}

func TestHandleIngest_oversizeFileFailsAlone(t *testing.T) {
	env := newTestEnv(t, envOptions{maxFile: 2048})
	results := env.ingest(t, "s1",
		upload{"big.pdf", bytes.Repeat([]byte("x"), 4096)},
		upload{"ok.pdf", env.renderer.PDF("small")},
	)
	if !strings.Contains(results[0].Error, models.ErrFileTooLarge.Error()) {
		t.Errorf("big.pdf = %+v", results[0])
	}
	if !results[1].OK() {
		t.Errorf("ok.pdf = %+v", results[1])
	}
}

func TestHandleIngest_badRequests(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body, ct := multipartBody(t, upload{"a.pdf", env.renderer.PDF("x")})
	empty, emptyCT := multipartBody(t)
	tests := []struct {
		name string
		path string
		body io.Reader
		ct   string
	}{
		{"missing session", "/ingest-pdfs/", bytes.NewReader(body.Bytes()), ct},
		{"invalid session", "/ingest-pdfs/?session_id=a%2Fb", bytes.NewReader(body.Bytes()), ct},
		{"not multipart", "/ingest-pdfs/?session_id=s1", strings.NewReader("{}"), "application/json"},
		{"malformed multipart", "/ingest-pdfs/?session_id=s1", strings.NewReader("--x\r\ngarbage"), "multipart/form-data; boundary=x"},
		{"no files", "/ingest-pdfs/?session_id=s1", empty, emptyCT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, tt.body)
			req.Header.Set("Content-Type", tt.ct)
			w := env.do(req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Errorf("body = %s", w.Body.String())
			}
		})
	}
}

func TestHandleQuery_streamsCumulativeAnswer(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	res := env.ingest(t, "s1", upload{"a.pdf", env.renderer.PDF("intro", "vacation policy")})

	w := env.do(httptest.NewRequest(http.MethodPost, queryPath("/query/", "s1", "vacation", "1"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != ndjsonType {
		t.Errorf("content type = %s", ct)
	}
	lines := readLines(t, w.Body)
	if len(lines) < 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	for i := 1; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i].Answer, lines[i-1].Answer) {
			t.Errorf("line %d is not cumulative", i)
		}
		if lines[i].Error != "" {
			t.Errorf("line %d has error %q", i, lines[i].Error)
		}
	}
	if final := lines[len(lines)-1].Answer; !strings.Contains(final, res[0].DocumentID+", page 2") {
		t.Errorf("final answer = %q", final)
	}
}

func TestHandleQuery_emptySessionNoAnswer(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do(httptest.NewRequest(http.MethodPost, queryPath("/query/", "nobody", "anything", ""), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	lines := readLines(t, w.Body)
	if len(lines) != 1 || lines[0].Answer != env.cfg.Search.NoAnswerText {
		t.Errorf("lines = %+v", lines)
	}
}

func TestHandleQuery_invalidInput(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tests := []struct {
		name string
		path string
	}{
		{"zero top_k", queryPath("/query/", "s1", "q", "0")},
		{"non-numeric top_k", queryPath("/query/", "s1", "q", "three")},
		{"missing query", queryPath("/query/", "s1", "", "")},
		{"missing session", queryPath("/query/", "", "q", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest(http.MethodPost, tt.path, nil))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

type downEmbedder struct{ embedding.Embedder }

func (downEmbedder) EmbedQuery(context.Context, string) ([][]float32, error) {
	return nil, errors.New("connection refused")
}

func TestHandleQuery_backendFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{embedder: downEmbedder{}})
	w := env.do(httptest.NewRequest(http.MethodPost, queryPath("/query/", "s1", "q", "1"), nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

// failingGenerator streams one snapshot and then fails.
type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, _ string, _ []models.PageImage) (<-chan generator.Snapshot, error) {
	ch := make(chan generator.Snapshot, 2)
	ch <- generator.Snapshot{Text: "The answer is"}
	ch <- generator.Snapshot{Text: "The answer is", Err: errors.New("model overloaded")}
	close(ch)
	return ch, nil
}

func TestHandleQuery_midStreamFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{generator: failingGenerator{}})
	env.ingest(t, "s1", upload{"a.pdf", env.renderer.PDF("content")})
	w := env.do(httptest.NewRequest(http.MethodPost, queryPath("/query/", "s1", "content", "1"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	lines := readLines(t, w.Body)
	if len(lines) != 2 {
		t.Fatalf("lines = %+v", lines)
	}
	last := lines[1]
	if last.Answer != "The answer is" || !strings.Contains(last.Error, "model overloaded") {
		t.Errorf("final line = %+v", last)
	}
}

func TestHandleSearch(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	res := env.ingest(t, "s1", upload{"a.pdf", env.renderer.PDF("alpha", "beta", "gamma")})
	w := env.do(httptest.NewRequest(http.MethodGet, queryPath("/search/", "s1", "gamma", "2"), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var out searchResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Hits) != 2 || out.Hits[0].DocumentID != res[0].DocumentID || out.Hits[0].PageIndex != 2 {
		t.Errorf("hits = %+v", out.Hits)
	}
}

func TestHandleDocumentsAndPages(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	res := env.ingest(t, "s1", upload{"a.pdf", env.renderer.PDF("page zero", "page one")})
	docID := res[0].DocumentID

	w := env.do(httptest.NewRequest(http.MethodGet, "/sessions/s1/documents", nil))
	var list struct {
		Documents []models.Document `json:"documents"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Documents) != 1 || list.Documents[0].ID != docID || list.Documents[0].Filename != "a.pdf" {
		t.Errorf("documents = %+v", list.Documents)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/sessions/s1/documents/"+docID+"/pages/1", nil))
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("page = %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if w.Body.String() != "page one" {
		t.Errorf("page body = %q", w.Body.String())
	}

	for path, want := range map[string]int{
		"/sessions/s1/documents/" + docID + "/pages/7":  http.StatusNotFound,
		"/sessions/s2/documents/" + docID + "/pages/0":  http.StatusNotFound,
		"/sessions/s1/documents/" + docID + "/pages/-1": http.StatusBadRequest,
		"/sessions/s1/documents/" + docID + "/pages/x":  http.StatusBadRequest,
	} {
		if w := env.do(httptest.NewRequest(http.MethodGet, path, nil)); w.Code != want {
			t.Errorf("GET %s = %d, want %d", path, w.Code, want)
		}
	}
}

func TestHandleDelete(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	res := env.ingest(t, "s1",
		upload{"a.pdf", env.renderer.PDF("a")},
		upload{"b.pdf", env.renderer.PDF("b")},
	)
	path := "/sessions/s1/documents/" + res[0].DocumentID
	if w := env.do(httptest.NewRequest(http.MethodDelete, path, nil)); w.Code != http.StatusOK {
		t.Fatalf("delete = %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(httptest.NewRequest(http.MethodDelete, path, nil)); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}

	w := env.do(httptest.NewRequest(http.MethodDelete, "/sessions/s1", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"documents":1`) {
		t.Errorf("delete session = %d %s", w.Code, w.Body.String())
	}
	w = env.do(httptest.NewRequest(http.MethodPost, queryPath("/query/", "s1", "b", "1"), nil))
	if lines := readLines(t, w.Body); len(lines) != 1 || lines[0].Answer != env.cfg.Search.NoAnswerText {
		t.Errorf("query after session delete = %+v", lines)
	}
}

type fixedInbox []string

func (f fixedInbox) Sessions() []string { return f }

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.srv.inbox = fixedInbox{"team-a"}
	env.ingest(t, "s1", upload{"a.pdf", env.renderer.PDF("one", "two")})

	w := env.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var out struct {
		Documents     int64          `json:"documents"`
		Pages         int64          `json:"pages"`
		VectorSize    int            `json:"vector_index_size"`
		DiskUsage     int64          `json:"disk_usage_bytes"`
		InboxSessions []string       `json:"inbox_sessions"`
		Config        map[string]any `json:"config"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Documents != 1 || out.Pages != 2 || out.VectorSize != 2 {
		t.Errorf("counts = %+v", out)
	}
	if out.DiskUsage <= 0 {
		t.Errorf("disk usage = %d", out.DiskUsage)
	}
	if out.Config["vector_index_type"] != "memory" || out.Config["object_store_type"] != "disk" {
		t.Errorf("config = %v", out.Config)
	}
	if len(out.InboxSessions) != 1 {
		t.Errorf("inbox sessions = %v", out.InboxSessions)
	}
}
