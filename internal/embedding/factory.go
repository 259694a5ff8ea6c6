package embedding

import (
	"fmt"

	"github.com/hyperjump/pagelens/internal/config"
)

// Backend names accepted in embedding.backend.
const (
	BackendHTTP = "http"
	BackendONNX = "onnx"
	BackendMock = "mock"
)

// ONNXOptions describes the tensor shapes of a local ONNX model.
type ONNXOptions struct {
	Dimensions int
	Patches    int
	ImageSize  int
	MaxTokens  int
}

func (o ONNXOptions) withDefaults() ONNXOptions {
	if o.Dimensions <= 0 {
		o.Dimensions = 128
	}
	if o.Patches <= 0 {
		o.Patches = 1024
	}
	if o.ImageSize <= 0 {
		o.ImageSize = 448
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 64
	}
	return o
}

// New builds the configured backend and wraps it with the query cache and the concurrency bound.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	var base Embedder
	switch cfg.Backend {
	case BackendHTTP, "":
		base = NewHTTPEmbedder(cfg.URL, cfg.Model, cfg.Dimensions)
	case BackendONNX:
		onnx, err := NewONNXEmbedder(cfg.ModelPath, ONNXOptions{
			Dimensions: cfg.Dimensions,
			Patches:    cfg.Patches,
			ImageSize:  cfg.ImageSize,
			MaxTokens:  cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		base = onnx
	case BackendMock:
		base = NewMockEmbedder(cfg.Dimensions, cfg.Patches)
	default:
		return nil, fmt.Errorf("unknown embedding backend: %s (supported: http, onnx, mock)", cfg.Backend)
	}
	return NewLimitedEmbedder(NewCachedEmbedder(base, cfg.CacheSize), cfg.MaxConcurrency), nil
}
