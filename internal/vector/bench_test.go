package vector

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/hyperjump/pagelens/internal/models"
)

func randomMulti(r *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
		for j := range out[i] {
			out[i][j] = r.Float32()*2 - 1
		}
	}
	return out
}

// A ColPali page is ~1030 patch vectors of 128 dims; queries are ~20 tokens.
func BenchmarkMaxSim(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	query := randomMulti(r, 20, 128)
	page := randomMulti(r, 1030, 128)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = MaxSim(query, page)
	}
}

func BenchmarkMemoryIndexSearch(b *testing.B) {
	r := rand.New(rand.NewSource(2))
	idx, _ := NewMemoryIndex(128)
	ctx := context.Background()
	pages := make([]models.PageEmbedding, 200)
	for i := range pages {
		pages[i] = models.PageEmbedding{
			SessionID:  "bench",
			DocumentID: fmt.Sprintf("doc-%d", i/20),
			PageIndex:  i % 20,
			Vectors:    randomMulti(r, 64, 128),
		}
	}
	if err := idx.Upsert(ctx, pages); err != nil {
		b.Fatal(err)
	}
	query := randomMulti(r, 16, 128)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.Search(ctx, query, Filter{SessionID: "bench"}, 3)
	}
}
