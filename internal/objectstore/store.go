// Package objectstore persists rendered page images under session-scoped keys.
package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/pagelens/internal/config"
)

// Store reads and writes page images. Keys are slash-separated: {session}/{document}/{page}.jpg.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns models.ErrNotFound (wrapped) when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	// DeletePrefix removes every object whose key starts with prefix. Missing prefixes are not an error.
	DeletePrefix(ctx context.Context, prefix string) error
	Type() string
}

// Store types accepted in objectstore.type.
const (
	TypeDisk     = "disk"
	TypeSupabase = "supabase"
)

// New creates the configured store.
func New(cfg config.ObjectStoreConfig) (Store, error) {
	switch cfg.Type {
	case TypeDisk, "":
		return NewDiskStore(cfg.Dir)
	case TypeSupabase:
		return NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.Key, cfg.Supabase.Bucket)
	default:
		return nil, fmt.Errorf("unknown object store type: %s (supported: disk, supabase)", cfg.Type)
	}
}

// validateKey rejects keys that could escape the store root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("objectstore: invalid key %q", key)
	}
	for _, part := range strings.Split(strings.TrimSuffix(key, "/"), "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("objectstore: invalid key %q", key)
		}
	}
	return nil
}
