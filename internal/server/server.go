// Package server provides the HTTP API for pagelens.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/hyperjump/pagelens/internal/catalog"
	"github.com/hyperjump/pagelens/internal/config"
	"github.com/hyperjump/pagelens/internal/indexer"
	"github.com/hyperjump/pagelens/internal/objectstore"
	"github.com/hyperjump/pagelens/internal/search"
	"github.com/hyperjump/pagelens/internal/vector"
	"github.com/hyperjump/pagelens/pkg/utils"
)

// SessionLister reports sessions fed by the inbox watcher.
type SessionLister interface {
	Sessions() []string
}

// Server is the HTTP server for the pagelens API.
type Server struct {
	engine  *search.Engine
	indexer *indexer.Indexer
	catalog catalog.Catalog
	store   objectstore.Store
	index   vector.Index
	config  *config.Config
	inbox   SessionLister
	logger  *zap.Logger
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithInbox exposes inbox sessions in /status.
func WithInbox(in SessionLister) Option {
	return func(s *Server) { s.inbox = in }
}

// NewServer creates a server with the given dependencies.
func NewServer(
	engine *search.Engine,
	idx *indexer.Indexer,
	cat catalog.Catalog,
	store objectstore.Store,
	index vector.Index,
	cfg *config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		engine:  engine,
		indexer: idx,
		catalog: cat,
		store:   store,
		index:   index,
		config:  cfg,
		logger:  utils.OrNop(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// The query stream is bounded by the generator, not by a request timeout.
	r.Post("/query/", s.handleQuery)

	r.Group(func(r chi.Router) {
		if d := s.config.Server.RequestTimeout; d > 0 {
			r.Use(middleware.Timeout(d))
		}
		r.Post("/ingest-pdfs/", s.handleIngest)
		r.Get("/search/", s.handleSearch)
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteSession)
			r.Get("/documents", s.handleListDocuments)
			r.Delete("/documents/{documentID}", s.handleDeleteDocument)
			r.Get("/documents/{documentID}/pages/{pageIndex}", s.handlePageImage)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Handler(), "pagelens"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
