package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/pagelens/internal/models"
)

// fakeSupabase implements the subset of the Storage API the client uses, over an in-memory bucket.
type fakeSupabase struct {
	mu      sync.Mutex
	objects map[string][]byte
	auth    []string
}

func newFakeSupabase() *fakeSupabase {
	return &fakeSupabase{objects: make(map[string][]byte)}
}

func (f *fakeSupabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	path := strings.TrimPrefix(r.URL.Path, "/storage/v1")

	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/object/list/colpali"):
		var req struct {
			Prefix string `json:"prefix"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		seen := map[string]bool{}
		out := []map[string]any{}
		for k := range f.objects {
			if !strings.HasPrefix(k, req.Prefix+"/") {
				continue
			}
			rest := strings.TrimPrefix(k, req.Prefix+"/")
			name, _, isDir := strings.Cut(rest, "/")
			if seen[name] {
				continue
			}
			seen[name] = true
			entry := map[string]any{"name": name, "id": nil}
			if !isDir {
				entry["id"] = "id-" + name
			}
			out = append(out, entry)
		}
		sort.Slice(out, func(i, j int) bool { return out[i]["name"].(string) < out[j]["name"].(string) })
		_ = json.NewEncoder(w).Encode(out)
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/object/colpali/"):
		if r.Header.Get("x-upsert") != "true" {
			http.Error(w, "duplicate", http.StatusConflict)
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.objects[strings.TrimPrefix(path, "/object/colpali/")] = data
		_, _ = w.Write([]byte(`{"Key":"ok"}`))
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/object/colpali/"):
		data, ok := f.objects[strings.TrimPrefix(path, "/object/colpali/")]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"statusCode":"404","error":"not_found","message":"Object not found"}`))
			return
		}
		_, _ = w.Write(data)
	case r.Method == http.MethodDelete && path == "/object/colpali":
		var req struct {
			Prefixes []string `json:"prefixes"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, k := range req.Prefixes {
			delete(f.objects, k)
		}
		_, _ = w.Write([]byte(`[]`))
	default:
		http.Error(w, "unexpected "+r.Method+" "+path, http.StatusTeapot)
	}
}

func TestSupabaseStore(t *testing.T) {
	fake := newFakeSupabase()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewSupabaseStore(srv.URL+"/", "service-key", "colpali")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, k := range []string{"s1/d1/0.jpg", "s1/d1/1.jpg", "s1/d2/0.jpg", "s2/d3/0.jpg"} {
		if err := s.Put(ctx, k, []byte(k), "image/jpeg"); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	got, err := s.Get(ctx, "s1/d1/1.jpg")
	if err != nil || string(got) != "s1/d1/1.jpg" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if _, err := s.Get(ctx, "s1/none/0.jpg"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing object: %v", err)
	}

	if err := s.DeletePrefix(ctx, "s1/d1/"); err != nil {
		t.Fatal(err)
	}
	if len(fake.objects) != 2 {
		t.Errorf("after document delete: %d objects", len(fake.objects))
	}
	if err := s.DeletePrefix(ctx, "s1/"); err != nil {
		t.Fatal(err)
	}
	if _, ok := fake.objects["s2/d3/0.jpg"]; !ok || len(fake.objects) != 1 {
		t.Errorf("after session delete: %v", fake.objects)
	}
	for _, a := range fake.auth {
		if a != "Bearer service-key" {
			t.Fatalf("authorization header = %q", a)
		}
	}
}

func TestSupabaseStore_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	s, _ := NewSupabaseStore(srv.URL, "k", "colpali")
	if err := s.Put(context.Background(), "s/d/0.jpg", []byte("x"), ""); err == nil {
		t.Error("expected error")
	}
	if _, err := s.Get(context.Background(), "s/d/0.jpg"); err == nil || errors.Is(err, models.ErrNotFound) {
		t.Errorf("500 should not be reported as not found: %v", err)
	}
}

func TestSupabaseStore_ErrorKeepsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"statusCode":"400","error":"InvalidKey","message":"Invalid key: s/d/0.jpg"}`))
	}))
	defer srv.Close()
	s, _ := NewSupabaseStore(srv.URL, "k", "colpali")
	_, err := s.Get(context.Background(), "s/d/0.jpg")
	if err == nil || errors.Is(err, models.ErrNotFound) {
		t.Fatalf("a 400 that is not a missing object should be a plain error: %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid key") {
		t.Errorf("error should carry the server message: %v", err)
	}
}

func TestSupabaseStore_CanceledContext(t *testing.T) {
	fake := newFakeSupabase()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	s, _ := NewSupabaseStore(srv.URL, "k", "colpali")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Put(ctx, "s/d/0.jpg", []byte("x"), "image/jpeg"); !errors.Is(err, context.Canceled) {
		t.Errorf("Put = %v", err)
	}
	if err := s.DeletePrefix(ctx, "s/"); !errors.Is(err, context.Canceled) {
		t.Errorf("DeletePrefix = %v", err)
	}
	if len(fake.auth) != 0 {
		t.Errorf("no request should be sent, got %d", len(fake.auth))
	}
}

func TestSupabaseStore_ConcurrentPuts(t *testing.T) {
	fake := newFakeSupabase()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	s, _ := NewSupabaseStore(srv.URL, "k", "colpali")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "s/d/" + string(rune('0'+i)) + ".jpg"
			if err := s.Put(context.Background(), key, []byte(key), "image/jpeg"); err != nil {
				t.Errorf("Put %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()
	if len(fake.objects) != 8 {
		t.Errorf("stored %d objects, want 8", len(fake.objects))
	}
}
