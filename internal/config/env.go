package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are not overridden. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides endpoints and secrets from the environment.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Vector.Qdrant.URL, "QDRANT_URL")
	setString(&cfg.Vector.Qdrant.APIKey, "QDRANT_API_KEY")
	setString(&cfg.Vector.Qdrant.Collection, "COLLECTION_NAME")
	setString(&cfg.ObjectStore.Supabase.URL, "SUPABASE_URL")
	setString(&cfg.ObjectStore.Supabase.Key, "SUPABASE_KEY")
	setString(&cfg.ObjectStore.Supabase.Bucket, "SUPABASE_BUCKET")
	setString(&cfg.Embedding.URL, "EMBEDDING_URL")
	setString(&cfg.Embedding.Model, "COLPALI_MODEL_NAME")
	setString(&cfg.Events.NATSURL, "NATS_URL")

	switch cfg.Generator.Provider {
	case "openai":
		setString(&cfg.Generator.APIKey, "OPENAI_API_KEY")
	case "", "anthropic":
		setString(&cfg.Generator.APIKey, "ANTHROPIC_API_KEY")
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
