package config

import (
	"net"
	"net/url"
	"strings"
	"time"
)

const (
	qdrantRESTPort = "6333"
	qdrantGRPCPort = "6334"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 5 * time.Minute
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/pagelens/data/db/catalog.db"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "/usr/local/var/pagelens/data/indices/pages.mvx"
	}

	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = "http"
	}
	if cfg.Embedding.URL == "" {
		cfg.Embedding.URL = "http://localhost:8001"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "vidore/colqwen2-v1.0"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/pagelens/data/models/colqwen2.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 128
	}
	if cfg.Embedding.Patches == 0 {
		cfg.Embedding.Patches = 32
	}
	if cfg.Embedding.ImageSize == 0 {
		cfg.Embedding.ImageSize = 448
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 64
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Embedding.MaxConcurrency == 0 {
		cfg.Embedding.MaxConcurrency = 2
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 4
	}

	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "memory"
	}
	if cfg.Vector.Qdrant.URL == "" {
		cfg.Vector.Qdrant.URL = "localhost:" + qdrantGRPCPort
	}
	grpcTarget(&cfg.Vector.Qdrant)
	if cfg.Vector.Qdrant.Collection == "" {
		cfg.Vector.Qdrant.Collection = "pages"
	}

	if cfg.ObjectStore.Type == "" {
		cfg.ObjectStore.Type = "disk"
	}
	if cfg.ObjectStore.Dir == "" {
		cfg.ObjectStore.Dir = "/usr/local/var/pagelens/data/pages"
	}
	if cfg.ObjectStore.Supabase.Bucket == "" {
		cfg.ObjectStore.Supabase.Bucket = "colpali"
	}

	if cfg.Generator.Provider == "" {
		cfg.Generator.Provider = "anthropic"
	}
	if cfg.Generator.Model == "" {
		switch cfg.Generator.Provider {
		case "openai":
			cfg.Generator.Model = "gpt-4o-mini"
		default:
			cfg.Generator.Model = "claude-3-5-sonnet-20240620"
		}
	}
	if cfg.Generator.MaxTokens == 0 {
		cfg.Generator.MaxTokens = 1024
	}
	if cfg.Generator.SnapshotsPerSecond == 0 {
		cfg.Generator.SnapshotsPerSecond = 20
	}

	if cfg.Ingest.MaxFileBytes == 0 {
		cfg.Ingest.MaxFileBytes = 50 << 20
	}
	if cfg.Ingest.MaxFiles == 0 {
		cfg.Ingest.MaxFiles = 20
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 2
	}
	if cfg.Ingest.RenderDPI == 0 {
		cfg.Ingest.RenderDPI = 100
	}
	if cfg.Ingest.JPEGQuality == 0 {
		cfg.Ingest.JPEGQuality = 85
	}

	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = 3
	}
	if cfg.Search.MaxTopK < 0 {
		cfg.Search.MaxTopK = 0
	}
	if cfg.Search.NoAnswerText == "" {
		cfg.Search.NoAnswerText = "No relevant pages were found in this session."
	}

	if cfg.Session.TTL > 0 && cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 10 * time.Minute
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "pagelens"
	}
}

// grpcTarget rewrites a URL-shaped Qdrant address, as used by REST clients, into the host:port
// the gRPC client dials. The REST port and a missing port map to the gRPC port; https enables TLS.
// Plain host:port values are left alone.
func grpcTarget(q *QdrantConfig) {
	if !strings.Contains(q.URL, "://") {
		return
	}
	u, err := url.Parse(q.URL)
	if err != nil || u.Hostname() == "" {
		return
	}
	port := u.Port()
	if port == "" || port == qdrantRESTPort {
		port = qdrantGRPCPort
	}
	if u.Scheme == "https" {
		q.UseTLS = true
	}
	q.URL = net.JoinHostPort(u.Hostname(), port)
}
