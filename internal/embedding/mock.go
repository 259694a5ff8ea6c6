package embedding

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/hyperjump/pagelens/pkg/utils"
)

// MockEmbedder is a deterministic embedder for tests and offline runs. Every term maps to a
// fixed unit vector. An image yields one patch vector per distinct term found in its bytes,
// padded with content-derived filler vectors; a query yields one vector per term. A page whose
// bytes contain a query word therefore scores highest for that word.
type MockEmbedder struct {
	dimensions int
	patches    int
}

// NewMockEmbedder returns a mock embedder. Non-positive arguments fall back to 128 dimensions and 32 patches.
func NewMockEmbedder(dimensions, patches int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 128
	}
	if patches <= 0 {
		patches = 32
	}
	return &MockEmbedder{dimensions: dimensions, patches: patches}
}

// EmbedImages returns exactly Patches vectors per image.
func (e *MockEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([][][]float32, error) {
	out := make([][][]float32, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(img) == 0 {
			return nil, fmt.Errorf("embedding: image %d is empty", i)
		}
		vecs := make([][]float32, 0, e.patches)
		seen := make(map[string]struct{})
		for _, term := range Terms(string(img)) {
			if len(vecs) == e.patches {
				break
			}
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			vecs = append(vecs, e.termVector(term))
		}
		seed := hash64(string(img))
		for j := len(vecs); j < e.patches; j++ {
			vecs = append(vecs, e.seededVector(seed+uint64(j)*0x9e3779b97f4a7c15))
		}
		out[i] = vecs
	}
	return out, nil
}

// EmbedQuery returns one vector per term of text.
func (e *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := Terms(text)
	if len(terms) == 0 {
		return [][]float32{e.seededVector(hash64(text))}, nil
	}
	vecs := make([][]float32, len(terms))
	for i, term := range terms {
		vecs[i] = e.termVector(term)
	}
	return vecs, nil
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Patches returns the number of vectors produced per image.
func (e *MockEmbedder) Patches() int {
	return e.patches
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}

func (e *MockEmbedder) termVector(term string) []float32 {
	return e.seededVector(hash64("term:" + term))
}

// seededVector fills a unit vector from a splitmix64 stream.
func (e *MockEmbedder) seededVector(seed uint64) []float32 {
	v := make([]float32, e.dimensions)
	state := seed
	for i := range v {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		v[i] = float32(z>>11)/float32(1<<53)*2 - 1
	}
	utils.NormalizeL2(v)
	return v
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
