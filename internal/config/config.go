// Package config provides configuration loading and structs for the pagelens server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Vector      VectorConfig      `yaml:"vector"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
	Generator   GeneratorConfig   `yaml:"generator"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Search      SearchConfig      `yaml:"search"`
	Session     SessionConfig     `yaml:"session"`
	Watch       WatchConfig       `yaml:"watch"`
	Events      EventsConfig      `yaml:"events"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RequestTimeout bounds non-streaming handlers. Streaming queries are bounded by the generator.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds local paths for the catalog and the in-memory vector index snapshot.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
}

// EmbeddingConfig selects and configures the multi-vector embedding backend.
type EmbeddingConfig struct {
	// Backend is one of "http", "onnx", "mock".
	Backend        string `yaml:"backend"`
	URL            string `yaml:"url"`
	Model          string `yaml:"model"`
	ModelPath      string `yaml:"model_path"`
	Dimensions     int    `yaml:"dimensions"`
	Patches        int    `yaml:"patches"`
	ImageSize      int    `yaml:"image_size"`
	MaxTokens      int    `yaml:"max_tokens"`
	CacheSize      int    `yaml:"cache_size"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	BatchSize      int    `yaml:"batch_size"`
}

// VectorConfig selects the vector index.
type VectorConfig struct {
	// IndexType is "memory" or "qdrant".
	IndexType string       `yaml:"index_type"`
	Qdrant    QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig holds Qdrant gRPC settings.
type QdrantConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
	UseTLS     bool   `yaml:"use_tls"`
}

// ObjectStoreConfig selects where page images live.
type ObjectStoreConfig struct {
	// Type is "disk" or "supabase".
	Type     string         `yaml:"type"`
	Dir      string         `yaml:"dir"`
	Supabase SupabaseConfig `yaml:"supabase"`
}

// SupabaseConfig holds Supabase Storage settings.
type SupabaseConfig struct {
	URL    string `yaml:"url"`
	Key    string `yaml:"key"`
	Bucket string `yaml:"bucket"`
}

// GeneratorConfig configures answer generation.
type GeneratorConfig struct {
	// Provider is "anthropic", "openai", or "echo".
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
	// SnapshotsPerSecond paces intermediate snapshots. 0 disables pacing.
	SnapshotsPerSecond float64 `yaml:"snapshots_per_second"`
}

// IngestConfig holds ingestion limits.
type IngestConfig struct {
	MaxFileBytes int64   `yaml:"max_file_bytes"`
	MaxFiles     int     `yaml:"max_files"`
	Workers      int     `yaml:"workers"`
	RenderDPI    float64 `yaml:"render_dpi"`
	JPEGQuality  int     `yaml:"jpeg_quality"`
}

// SearchConfig holds retrieval settings.
type SearchConfig struct {
	DefaultTopK  int    `yaml:"default_top_k"`
	MaxTopK      int    `yaml:"max_top_k"`
	NoAnswerText string `yaml:"no_answer_text"`
}

// SessionConfig controls optional session expiry. A zero TTL leaves sessions caller-managed.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WatchConfig holds the inbox directory. Files under <inbox>/<session_id>/ are ingested into that session.
type WatchConfig struct {
	InboxDir string `yaml:"inbox_dir"`
}

// EventsConfig holds NATS settings. An empty URL disables event publication.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Load reads and parses the config file at path, applies environment overrides,
// expands paths, and applies defaults. A .env file next to the config is loaded first.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configDir := filepath.Dir(path)
	if err := LoadDotEnv(filepath.Join(configDir, ".env")); err != nil {
		return nil, err
	}
	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)

	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	cfg.ObjectStore.Dir = expandPath(cfg.ObjectStore.Dir, configDir)
	cfg.Watch.InboxDir = expandPath(cfg.Watch.InboxDir, configDir)

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty paths stay empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
