package vector

import "math"

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i] * b[i])
	}
	return dot
}

// MaxSim is the late-interaction score of a page for a query: for every query
// vector take the best inner product against the page's vectors, then sum.
// A query vector with no page vectors to compare against contributes nothing.
func MaxSim(query, page [][]float32) float64 {
	if len(page) == 0 {
		return 0
	}
	var total float64
	for _, q := range query {
		best := math.Inf(-1)
		for _, p := range page {
			if s := InnerProduct(q, p); s > best {
				best = s
			}
		}
		total += best
	}
	return total
}
