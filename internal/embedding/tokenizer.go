package embedding

import (
	"hash/fnv"
	"strings"
	"unicode"
)

const (
	vocabSize = 32000
	bosID     = 1
	padID     = 0
	// Late-interaction query encoders append pad tokens that stay attended and act as
	// learned query expansion.
	augmentationTokens = 10
)

// QueryTokenizer turns query text into model inputs of exactly maxTokens positions.
type QueryTokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask []int64)
}

// HashTokenizer maps each term to a hashed vocabulary id. It stands in for the model's own
// tokenizer when none is exported next to the ONNX graph.
type HashTokenizer struct{}

// Tokenize emits [BOS] "query" terms... followed by augmentation pads, truncated to maxTokens.
func (HashTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask []int64) {
	if maxTokens <= 0 {
		maxTokens = 64
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)

	ids := []int64{bosID, termID("query")}
	for _, t := range Terms(text) {
		ids = append(ids, termID(t))
	}
	for i := 0; i < augmentationTokens; i++ {
		ids = append(ids, padID)
	}
	n := copy(inputIDs, ids)
	for i := 0; i < n; i++ {
		attentionMask[i] = 1
	}
	return inputIDs, attentionMask
}

// termID keeps ids clear of the reserved pad and BOS ids.
func termID(term string) int64 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return int64(h.Sum32()%(vocabSize-2)) + 2
}

// Terms lowercases text and returns its runs of letters and digits.
func Terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
