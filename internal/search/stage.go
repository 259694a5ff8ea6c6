package search

// Stage is a step of answering one query.
type Stage int

const (
	StageReceived Stage = iota
	StageEmbedding
	StageSearching
	StageFetchingImages
	StageGenerating
	StageStreaming
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageReceived:       "RECEIVED",
	StageEmbedding:      "EMBEDDING",
	StageSearching:      "SEARCHING",
	StageFetchingImages: "FETCHING_IMAGES",
	StageGenerating:     "GENERATING",
	StageStreaming:      "STREAMING",
	StageDone:           "DONE",
	StageFailed:         "FAILED",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "UNKNOWN"
	}
	return stageNames[s]
}

// Terminal reports whether no further transition follows s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}
