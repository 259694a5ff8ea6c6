package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/pagelens/internal/generator"
	"github.com/hyperjump/pagelens/internal/indexer"
	"github.com/hyperjump/pagelens/internal/models"
	"github.com/hyperjump/pagelens/internal/objectstore"
	"github.com/hyperjump/pagelens/internal/search"
)

const (
	multipartMemory = 32 << 20
	ndjsonType      = "application/x-ndjson"
)

type ingestResponse struct {
	Results []models.IngestResult `json:"results"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session_id")
	if err := models.ValidateSessionID(session); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxFile := s.config.Ingest.MaxFileBytes
	maxFiles := s.config.Ingest.MaxFiles
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxFiles)*maxFile+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.respondError(w, http.StatusBadRequest, `no files in field "files"`)
		return
	}
	if maxFiles > 0 && len(headers) > maxFiles {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("too many files: %d (max %d)", len(headers), maxFiles))
		return
	}

	results := make([]models.IngestResult, len(headers))
	var inputs []indexer.FileInput
	var slots []int
	for i, h := range headers {
		data, err := readPart(h, maxFile)
		if err != nil {
			results[i] = models.IngestResult{Filename: h.Filename, Error: err.Error()}
			continue
		}
		inputs = append(inputs, indexer.FileInput{Filename: h.Filename, Data: data})
		slots = append(slots, i)
	}
	s.logger.Debug("ingest request", zap.String("session_id", session), zap.Int("files", len(headers)))
	for j, res := range s.indexer.IngestBatch(r.Context(), session, inputs) {
		results[slots[j]] = res
	}
	s.respondJSON(w, http.StatusOK, ingestResponse{Results: results})
}

func readPart(h *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && h.Size > maxBytes {
		return nil, fmt.Errorf("%d bytes exceeds %d: %w", h.Size, maxBytes, models.ErrFileTooLarge)
	}
	f, err := h.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

// parseQuery reads session_id, query and top_k from the URL or form. A missing
// top_k takes the configured default.
func (s *Server) parseQuery(r *http.Request) (models.Query, error) {
	q := models.Query{
		SessionID: r.FormValue("session_id"),
		Text:      r.FormValue("query"),
		TopK:      s.config.Search.DefaultTopK,
	}
	if raw := strings.TrimSpace(r.FormValue("top_k")); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("top_k %q: %w", raw, models.ErrInvalidTopK)
		}
		q.TopK = k
	}
	return q, nil
}

type answerLine struct {
	Answer string `json:"answer"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	stream, err := s.engine.Answer(ctx, q)
	switch {
	case errors.Is(err, models.ErrNoAnswer):
		w.Header().Set("Content-Type", ndjsonType)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(answerLine{Answer: s.config.Search.NoAnswerText})
		return
	case err != nil:
		s.respondQueryError(w, err)
		return
	}

	w.Header().Set("Content-Type", ndjsonType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	var last string
	for snap := range stream {
		line := answerLine{Answer: snap.Text}
		if snap.Err != nil {
			line = answerLine{Answer: last, Error: snap.Err.Error()}
			s.logger.Warn("answer stream failed", zap.String("session_id", q.SessionID), zap.Error(snap.Err))
		}
		if err := enc.Encode(line); err != nil {
			// Client went away; the request context cancels generation.
			drain(stream)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if snap.Err != nil {
			drain(stream)
			return
		}
		last = snap.Text
	}
}

func drain(ch <-chan generator.Snapshot) {
	for range ch {
	}
}

type searchResponse struct {
	Hits []models.Hit `json:"hits"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := s.parseQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	hits, err := s.engine.Retrieve(r.Context(), q)
	if err != nil {
		s.respondQueryError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, searchResponse{Hits: hits})
}

func (s *Server) respondQueryError(w http.ResponseWriter, err error) {
	if search.IsClientError(err) {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("query failed", zap.Error(err))
	s.respondError(w, http.StatusBadGateway, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docCount, err := s.catalog.CountDocuments(ctx)
	if err != nil {
		s.logger.Error("status: count documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pageCount, err := s.catalog.CountPages(ctx)
	if err != nil {
		s.logger.Error("status: count pages failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"documents": docCount,
		"pages":     pageCount,
	}
	if n, err := s.index.Count(ctx); err == nil {
		resp["vector_index_size"] = n
	} else {
		s.logger.Warn("status: count vectors failed", zap.Error(err))
	}

	cfg := s.config
	configInfo := map[string]any{
		"vector_index_type":    s.index.Type(),
		"object_store_type":    s.store.Type(),
		"embedding_backend":    cfg.Embedding.Backend,
		"embedding_model":      cfg.Embedding.Model,
		"embedding_dimensions": cfg.Embedding.Dimensions,
		"generator_provider":   cfg.Generator.Provider,
		"generator_model":      cfg.Generator.Model,
		"max_top_k":            s.engine.MaxTopK(),
		"database_path":        cfg.Storage.DatabasePath,
		"session_ttl":          cfg.Session.TTL.String(),
	}
	paths := []string{cfg.Storage.DatabasePath}
	if s.index.Type() == "memory" {
		paths = append(paths, cfg.Storage.VectorIndexPath)
	}
	if disk, ok := s.store.(*objectstore.DiskStore); ok {
		paths = append(paths, disk.Root())
		configInfo["object_store_dir"] = disk.Root()
	}
	if diskBytes, err := objectstore.DiskUsageBytes(paths...); err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	if s.inbox != nil {
		resp["inbox_sessions"] = s.inbox.Sessions()
	}
	resp["config"] = configInfo
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	session := chi.URLParam(r, "sessionID")
	if err := models.ValidateSessionID(session); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return session, true
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	docs, err := s.catalog.ListDocuments(r.Context(), session)
	if err != nil {
		s.logger.Error("list documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"session_id": session, "documents": docs})
}

func (s *Server) handlePageImage(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	documentID := chi.URLParam(r, "documentID")
	index, err := strconv.Atoi(chi.URLParam(r, "pageIndex"))
	if err != nil || index < 0 {
		s.respondError(w, http.StatusBadRequest, "page index must be a non-negative integer")
		return
	}
	page, err := s.catalog.GetPage(r.Context(), session, documentID, index)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	data, err := s.store.Get(r.Context(), page.ObjectKey)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	documentID := chi.URLParam(r, "documentID")
	s.logger.Debug("delete document request", zap.String("session_id", session), zap.String("document_id", documentID))
	if err := s.indexer.DeleteDocument(r.Context(), session, documentID); err != nil {
		s.respondLookupError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "document_id": documentID})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	n, err := s.indexer.DeleteSession(r.Context(), session)
	if err != nil {
		s.logger.Error("delete session failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "session_id": session, "documents": n})
}

func (s *Server) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
