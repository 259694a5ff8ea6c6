package search

import "github.com/hyperjump/pagelens/internal/models"

// ProcessQuery validates q in place: it trims the text and clamps TopK to maxTopK.
func ProcessQuery(q *models.Query, maxTopK int) error {
	return q.Validate(maxTopK)
}
