package vector

import (
	"context"
	"testing"

	"github.com/hyperjump/pagelens/internal/config"
)

func TestNewIndex_Memory(t *testing.T) {
	idx, err := NewIndex(context.Background(), config.VectorConfig{IndexType: "memory"}, 3)
	if err != nil {
		t.Fatalf("NewIndex(memory): %v", err)
	}
	defer idx.Close()
	if idx.Type() != "memory" {
		t.Errorf("Type=%s", idx.Type())
	}
	if _, ok := idx.(Persister); !ok {
		t.Error("memory index should be persistable")
	}
}

func TestNewIndex_Empty(t *testing.T) {
	idx, err := NewIndex(context.Background(), config.VectorConfig{}, 3)
	if err != nil {
		t.Fatalf("NewIndex(''): %v", err)
	}
	defer idx.Close()
	if n, _ := idx.Count(context.Background()); n != 0 {
		t.Errorf("Count=%d, want 0", n)
	}
}

func TestNewIndex_Unknown(t *testing.T) {
	if _, err := NewIndex(context.Background(), config.VectorConfig{IndexType: "faiss"}, 3); err == nil {
		t.Error("expected error for unknown index type")
	}
}

func TestNewIndex_InvalidDimension(t *testing.T) {
	if _, err := NewIndex(context.Background(), config.VectorConfig{IndexType: "memory"}, 0); err == nil {
		t.Error("expected error for zero dimension")
	}
}
