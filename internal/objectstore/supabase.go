package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	storage "github.com/supabase-community/storage-go"

	"github.com/hyperjump/pagelens/internal/models"
)

const supabaseListPageSize = 1000

// SupabaseStore keeps page images in a Supabase Storage bucket.
type SupabaseStore struct {
	bucket string
	// api serves downloads, listings and removals. Its headers are never changed after construction.
	api *storage.Client
	// uploader rewrites its shared transport headers on every upload, so uploads are serialized.
	uploader *storage.Client
	uploadMu sync.Mutex
}

// NewSupabaseStore creates a client for bucket at the project URL, authenticated with key.
func NewSupabaseStore(projectURL, key, bucket string) (*SupabaseStore, error) {
	if projectURL == "" || key == "" {
		return nil, fmt.Errorf("objectstore: supabase requires url and key")
	}
	if bucket == "" {
		return nil, fmt.Errorf("objectstore: supabase requires a bucket")
	}
	base := strings.TrimRight(projectURL, "/") + "/storage/v1"
	headers := map[string]string{"apikey": key}
	return &SupabaseStore{
		bucket:   bucket,
		api:      storage.NewClient(base, key, headers),
		uploader: storage.NewClient(base, key, headers),
	}, nil
}

// Type returns the store type identifier.
func (s *SupabaseStore) Type() string {
	return TypeSupabase
}

// Put uploads the object, overwriting any existing one.
func (s *SupabaseStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	upsert := true
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()
	_, err := s.uploader.UploadFile(s.bucket, key, bytes.NewReader(data), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, describe(err))
	}
	return nil
}

// Get downloads the object at key.
func (s *SupabaseStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.api.DownloadFile(s.bucket, key)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("objectstore: %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("objectstore: get %s: %w", key, describe(err))
	}
	return data, nil
}

// DeletePrefix lists the prefix recursively and removes every object found.
func (s *SupabaseStore) DeletePrefix(ctx context.Context, prefix string) error {
	if err := validateKey(prefix); err != nil {
		return err
	}
	keys, err := s.list(ctx, strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += supabaseListPageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+supabaseListPageSize, len(keys))
		if _, err := s.api.RemoveFile(s.bucket, keys[start:end]); err != nil {
			return fmt.Errorf("objectstore: remove %d objects under %s: %w", end-start, prefix, describe(err))
		}
	}
	return nil
}

// list returns the full keys of every object under dir. Listings are one level deep;
// entries without an id are folders.
func (s *SupabaseStore) list(ctx context.Context, dir string) ([]string, error) {
	var keys []string
	for offset := 0; ; offset += supabaseListPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := s.api.ListFiles(s.bucket, dir, storage.FileSearchOptions{
			Limit:  supabaseListPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %s: %w", dir, describe(err))
		}
		for _, e := range entries {
			full := dir + "/" + e.Name
			if e.Id == "" {
				sub, err := s.list(ctx, full)
				if err != nil {
					return nil, err
				}
				keys = append(keys, sub...)
				continue
			}
			keys = append(keys, full)
		}
		if len(entries) < supabaseListPageSize {
			return keys, nil
		}
	}
}

// isNotFound recognizes Supabase's missing-object reply. The API answers 400 with
// {"statusCode":"404","error":"not_found","message":"Object not found"}.
func isNotFound(err error) bool {
	var se *storage.StorageError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == 404 || strings.Contains(strings.ToLower(se.Message), "not found")
}

// describe keeps transport errors as they are and gives storage errors without a message a readable form.
func describe(err error) error {
	var se *storage.StorageError
	if errors.As(err, &se) && se.Message == "" {
		return fmt.Errorf("supabase request failed (status %d)", se.Status)
	}
	return err
}
