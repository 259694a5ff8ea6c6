// Package main is the pagelens entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/hyperjump/pagelens/internal/catalog"
	"github.com/hyperjump/pagelens/internal/cli"
	"github.com/hyperjump/pagelens/internal/config"
	"github.com/hyperjump/pagelens/internal/embedding"
	"github.com/hyperjump/pagelens/internal/events"
	"github.com/hyperjump/pagelens/internal/generator"
	"github.com/hyperjump/pagelens/internal/indexer"
	"github.com/hyperjump/pagelens/internal/models"
	"github.com/hyperjump/pagelens/internal/objectstore"
	"github.com/hyperjump/pagelens/internal/render"
	"github.com/hyperjump/pagelens/internal/search"
	"github.com/hyperjump/pagelens/internal/server"
	"github.com/hyperjump/pagelens/internal/session"
	"github.com/hyperjump/pagelens/internal/vector"
	"github.com/hyperjump/pagelens/internal/watcher"
	"github.com/hyperjump/pagelens/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/pagelens/config.yaml"
	defaultServerURL  = "http://localhost:8000"
	sweepFallback     = 10 * time.Minute
)

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory wins if present, and a missing default file falls back to environment variables
// and defaults. Returns the config and the path that was loaded ("" for environment only).
func loadConfig(path string) (*config.Config, string, error) {
	if path != defaultConfigPath {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}
	if cwd, err := os.Getwd(); err == nil {
		fallback := filepath.Join(cwd, "config.yaml")
		if _, statErr := os.Stat(fallback); statErr == nil {
			cfg, loadErr := config.Load(fallback)
			if loadErr != nil {
				return nil, "", loadErr
			}
			return cfg, fallback, nil
		}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := config.LoadDotEnv(".env"); err != nil {
			return nil, "", err
		}
		cfg := &config.Config{}
		config.ApplyEnv(cfg)
		config.ApplyDefaults(cfg)
		return cfg, "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "server":
		runServer(args)
	case "ingest":
		runIngest(args)
	case "query":
		runQuery(args)
	case "search":
		runSearch(args)
	case "documents":
		runDocuments(args)
	case "page":
		runPage(args)
	case "delete":
		runDelete(args)
	case "status":
		runStatus(args)
	case "version", "--version", "-v":
		fmt.Printf("pagelens version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	// Pending documents left by a crash are removed before serving.
	janitor := session.NewJanitor(components.Catalog, components.Indexer, cfg.Session.TTL, sweepInterval(cfg.Session),
		session.WithLogger(logger))
	if _, err := janitor.Sweep(ctx); err != nil {
		logger.Warn("startup sweep failed", zap.Error(err))
	}
	go janitor.Run(ctx)

	var srvOpts []server.Option
	if cfg.Watch.InboxDir != "" {
		inbox := watcher.NewInbox(cfg.Watch.InboxDir, func(ctx context.Context, sessionID, path string) error {
			_, _, err := components.Indexer.SyncFile(ctx, sessionID, path)
			return err
		}, watcher.WithLogger(logger))
		if err := inbox.Start(ctx); err != nil {
			logger.Fatal("failed to start inbox watcher", zap.Error(err))
		}
		defer inbox.Stop()
		inbox.SyncExisting()
		srvOpts = append(srvOpts, server.WithInbox(inbox))
	}

	srv := server.NewServer(
		components.Engine,
		components.Indexer,
		components.Catalog,
		components.Store,
		components.Index,
		cfg,
		logger,
		srvOpts...,
	)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}
	stop()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	if p, ok := components.Index.(vector.Persister); ok && cfg.Storage.VectorIndexPath != "" {
		if err := p.Save(cfg.Storage.VectorIndexPath); err != nil {
			logger.Warn("vector index save failed", zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(err))
		}
	}
}

// sweepInterval keeps the janitor running for stale pending documents even when
// sessions never expire.
func sweepInterval(cfg config.SessionConfig) time.Duration {
	if cfg.SweepInterval > 0 {
		return cfg.SweepInterval
	}
	return sweepFallback
}

// argsReorder moves flags (and their values) that appear after positional arguments
// to the front so that flag.Parse sees them. The flag package stops at the first
// non-flag argument, so "pagelens query what is this -top-k 5" would otherwise
// leave -top-k unparsed.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildQuery joins positional args with spaces so multi-word questions work with or
// without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// collectPDFs expands directories into the .pdf files directly inside them, sorted by
// name. Files are passed through as given so the server can report non-PDFs.
func collectPDFs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
				found = append(found, filepath.Join(arg, e.Name()))
			}
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	return paths, nil
}

type clientFlags struct {
	server  *string
	session *string
	output  *string
}

func addClientFlags(fs *flag.FlagSet, withSession bool) clientFlags {
	f := clientFlags{
		server: fs.String("server", envOr("PAGELENS_SERVER", defaultServerURL), "server URL"),
		output: fs.String("output", "text", "output format: text or json"),
	}
	if withSession {
		f.session = fs.String("session", os.Getenv("PAGELENS_SESSION"), "session id")
	}
	return f
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (f clientFlags) format() cli.OutputFormat {
	format, err := cli.ParseOutputFormat(*f.output)
	if err != nil {
		fatalf("%v", err)
	}
	return format
}

func (f clientFlags) requireSession() string {
	if f.session == nil || *f.session == "" {
		fatalf("--session is required (or set PAGELENS_SESSION)")
	}
	return *f.session
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	cf := addClientFlags(fs, true)
	configPath := fs.String("config", defaultConfigPath, "config file path (in-process mode)")
	_ = fs.Parse(argsReorder(args))
	if fs.NArg() < 1 {
		fatalf("Usage: pagelens ingest --session <id> <file-or-directory>...")
	}
	session := cf.requireSession()
	format := cf.format()

	paths, err := collectPDFs(fs.Args())
	if err != nil {
		fatalf("Ingest failed: %v", err)
	}
	if len(paths) == 0 {
		fatalf("No PDF files found")
	}

	var results []models.IngestResult
	if *cf.server != "" {
		results, err = cli.NewClient(*cf.server).Ingest(context.Background(), session, paths)
		if err != nil {
			fatalf("Ingest failed: %v", err)
		}
	} else {
		// In-process mode writes straight to the configured stores; do not run it
		// against a catalog a live server holds open.
		results = ingestInProcess(*configPath, session, paths)
	}
	ok, err := cli.WriteIngestResults(os.Stdout, results, format)
	if err != nil {
		fatalf("Output failed: %v", err)
	}
	if !ok {
		os.Exit(2)
	}
}

func ingestInProcess(configPath, session string, paths []string) []models.IngestResult {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	defer components.Close()

	results := make([]models.IngestResult, len(paths))
	for i, p := range paths {
		doc, err := components.Indexer.IngestFile(ctx, session, p)
		if err != nil {
			results[i] = models.IngestResult{Filename: filepath.Base(p), Error: err.Error()}
			continue
		}
		results[i] = models.IngestResult{Filename: doc.Filename, DocumentID: doc.ID, NumPages: doc.NumPages}
	}
	if p, ok := components.Index.(vector.Persister); ok && cfg.Storage.VectorIndexPath != "" {
		if err := p.Save(cfg.Storage.VectorIndexPath); err != nil {
			logger.Warn("vector index save failed", zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(err))
		}
	}
	return results
}

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	cf := addClientFlags(fs, true)
	topK := fs.Int("top-k", 0, "pages to retrieve (0 = server default)")
	_ = fs.Parse(argsReorder(args))
	question := buildQuery(fs.Args())
	if question == "" {
		fatalf("Usage: pagelens query --session <id> [--top-k n] <question>")
	}
	session := cf.requireSession()
	format := cf.format()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	var printed int
	onAnswer := func(answer string) {
		if format == cli.OutputText && len(answer) >= printed {
			fmt.Print(answer[printed:])
			printed = len(answer)
		}
	}
	answer, err := cli.NewClient(*cf.server).Query(ctx, session, question, *topK, onAnswer)
	if format == cli.OutputText {
		fmt.Println()
	} else {
		line := map[string]string{"answer": answer}
		if err != nil {
			line["error"] = err.Error()
		}
		_ = jsonOut(line)
	}
	if err != nil {
		fatalf("Query failed: %v", err)
	}
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	cf := addClientFlags(fs, true)
	topK := fs.Int("top-k", 0, "pages to retrieve (0 = server default)")
	_ = fs.Parse(argsReorder(args))
	q := buildQuery(fs.Args())
	if q == "" {
		fatalf("Usage: pagelens search --session <id> [--top-k n] <query>")
	}
	session := cf.requireSession()
	format := cf.format()
	hits, err := cli.NewClient(*cf.server).Search(context.Background(), session, q, *topK)
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	if err := cli.WriteHits(os.Stdout, hits, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runDocuments(args []string) {
	fs := flag.NewFlagSet("documents", flag.ExitOnError)
	cf := addClientFlags(fs, true)
	_ = fs.Parse(args)
	session := cf.requireSession()
	format := cf.format()
	docs, err := cli.NewClient(*cf.server).ListDocuments(context.Background(), session)
	if err != nil {
		fatalf("List failed: %v", err)
	}
	if err := cli.WriteDocuments(os.Stdout, session, docs, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runPage(args []string) {
	fs := flag.NewFlagSet("page", flag.ExitOnError)
	cf := addClientFlags(fs, true)
	out := fs.String("out", "", "output file (default <document>-<page>.jpg)")
	_ = fs.Parse(argsReorder(args))
	if fs.NArg() != 2 {
		fatalf("Usage: pagelens page --session <id> [--out file] <document-id> <page-index>")
	}
	session := cf.requireSession()
	documentID := fs.Arg(0)
	page, err := strconv.Atoi(fs.Arg(1))
	if err != nil || page < 0 {
		fatalf("page index must be a non-negative integer")
	}
	data, err := cli.NewClient(*cf.server).PageImage(context.Background(), session, documentID, page)
	if err != nil {
		fatalf("Download failed: %v", err)
	}
	path := *out
	if path == "" {
		path = fmt.Sprintf("%s-%d.jpg", documentID, page)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		fatalf("Write failed: %v", err)
	}
	fmt.Printf("Saved %s (%d bytes)\n", path, len(data))
}

func runDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cf := addClientFlags(fs, true)
	_ = fs.Parse(argsReorder(args))
	session := cf.requireSession()
	c := cli.NewClient(*cf.server)
	ctx := context.Background()
	if fs.NArg() == 0 {
		n, err := c.DeleteSession(ctx, session)
		if err != nil {
			fatalf("Deletion failed: %v", err)
		}
		fmt.Printf("Session deleted: %s (%d documents)\n", session, n)
		return
	}
	for _, id := range fs.Args() {
		if err := c.DeleteDocument(ctx, session, id); err != nil {
			fatalf("Deletion of %s failed: %v", id, err)
		}
		fmt.Printf("Document deleted: %s\n", id)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := addClientFlags(fs, false)
	_ = fs.Parse(args)
	format := cf.format()
	status, err := cli.NewClient(*cf.server).Status(context.Background())
	if err != nil {
		fatalf("Status failed: %v", err)
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// Components holds initialized services.
type Components struct {
	Catalog   catalog.Catalog
	Embedder  embedding.Embedder
	Index     vector.Index
	Store     objectstore.Store
	Publisher events.Publisher
	Engine    *search.Engine
	Indexer   *indexer.Indexer
}

// Close releases components in reverse dependency order.
func (c *Components) Close() {
	if c.Publisher != nil {
		c.Publisher.Close()
	}
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Catalog != nil {
		_ = c.Catalog.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.Catalog, err = catalog.NewSQLiteCatalog(cfg.Storage.DatabasePath); err != nil {
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}
	if c.Embedder, err = embedding.New(cfg.Embedding); err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	if c.Index, err = vector.NewIndex(ctx, cfg.Vector, c.Embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	if p, ok := c.Index.(vector.Persister); ok && cfg.Storage.VectorIndexPath != "" {
		if loadErr := p.Load(cfg.Storage.VectorIndexPath); loadErr != nil {
			logger.Warn("vector index load skipped", zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(loadErr))
		}
	}
	logger.Info("vector index initialized", zap.String("type", c.Index.Type()))

	if c.Store, err = objectstore.New(cfg.ObjectStore); err != nil {
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}
	gen, err := generator.New(cfg.Generator, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}

	c.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		pub, pubErr := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if pubErr != nil {
			logger.Warn("event publishing disabled", zap.String("url", cfg.Events.NATSURL), zap.Error(pubErr))
		} else {
			c.Publisher = pub
		}
	}

	renderer := render.NewFitzRenderer(cfg.Ingest.RenderDPI, cfg.Ingest.JPEGQuality)
	c.Indexer = indexer.New(c.Catalog, renderer, c.Embedder, c.Store, c.Index,
		indexer.WithLogger(logger),
		indexer.WithPublisher(c.Publisher),
		indexer.WithWorkers(cfg.Ingest.Workers),
		indexer.WithBatchSize(cfg.Embedding.BatchSize),
		indexer.WithMaxFileBytes(cfg.Ingest.MaxFileBytes),
		indexer.WithIndexSnapshot(cfg.Storage.VectorIndexPath),
	)
	c.Engine = search.NewEngine(c.Catalog, c.Embedder, c.Index, c.Store, gen,
		search.WithLogger(logger),
		search.WithMaxTopK(cfg.Search.MaxTopK),
	)
	return c, nil
}

func jsonOut(v any) error {
	return cli.WriteJSON(os.Stdout, v)
}

func printUsage() {
	fmt.Println(`pagelens - question answering over PDF page images

Usage:
  pagelens server [flags]                       Start the HTTP server
  pagelens ingest [flags] <file-or-dir>...      Upload PDFs into a session
  pagelens query [flags] <question>             Stream an answer from a session
  pagelens search [flags] <query>               Show the top matching pages
  pagelens documents [flags]                    List a session's documents
  pagelens page [flags] <document-id> <page>    Download a rendered page image
  pagelens delete [flags] [document-id...]      Delete documents, or the whole session
  pagelens status [flags]                       Show catalog and index status
  pagelens version                              Show version
  pagelens help                                 Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/pagelens/config.yaml)
  --debug            Enable debug logging

Ingest Flags:
  --config string    Config file path, used when --server "" ingests in-process

Client Flags:
  --server string    Server URL (default: $PAGELENS_SERVER or http://localhost:8000)
  --session string   Session id (default: $PAGELENS_SESSION)
  --output string    Output format: text or json (default: text)
  --top-k int        Pages to retrieve for query and search (default: server setting)

Examples:
  pagelens server
  pagelens ingest --session team-a handbook.pdf ./contracts
  pagelens ingest --server "" --session team-a handbook.pdf   # no server running
  pagelens query --session team-a "what is the vacation policy?"
  pagelens search --session team-a --top-k 5 termination clause
  pagelens delete --session team-a 3f2c9b1e-...
  pagelens status --output json`)
}
