package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPEmbedder calls an out-of-process ColPali-style inference server.
//
//	POST {base}/embed/images  {"model": m, "images": [<base64 jpeg>...]} -> {"embeddings": [[[f32]]]}
//	POST {base}/embed/query   {"model": m, "query": text}               -> {"embedding": [[f32]]}
type HTTPEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

type embedImagesRequest struct {
	Model  string   `json:"model,omitempty"`
	Images [][]byte `json:"images"`
}

type embedImagesResponse struct {
	Embeddings [][][]float32 `json:"embeddings"`
}

type embedQueryRequest struct {
	Model string `json:"model,omitempty"`
	Query string `json:"query"`
}

type embedQueryResponse struct {
	Embedding [][]float32 `json:"embedding"`
}

// NewHTTPEmbedder creates a client for the inference server at baseURL.
func NewHTTPEmbedder(baseURL, model string, dimensions int) *HTTPEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:8001"
	}
	return &HTTPEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// EmbedImages embeds a batch of page images.
func (e *HTTPEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([][][]float32, error) {
	if len(images) == 0 {
		return nil, nil
	}
	var resp embedImagesResponse
	if err := e.post(ctx, "/embed/images", embedImagesRequest{Model: e.model, Images: images}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(images) {
		return nil, fmt.Errorf("embedding: server returned %d embeddings for %d images", len(resp.Embeddings), len(images))
	}
	for i, vecs := range resp.Embeddings {
		if err := e.checkShape(vecs); err != nil {
			return nil, fmt.Errorf("embedding: image %d: %w", i, err)
		}
	}
	return resp.Embeddings, nil
}

// EmbedQuery embeds a text query.
func (e *HTTPEmbedder) EmbedQuery(ctx context.Context, text string) ([][]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("embedding: query cannot be empty")
	}
	var resp embedQueryResponse
	if err := e.post(ctx, "/embed/query", embedQueryRequest{Model: e.model, Query: text}, &resp); err != nil {
		return nil, err
	}
	if err := e.checkShape(resp.Embedding); err != nil {
		return nil, fmt.Errorf("embedding: query: %w", err)
	}
	return resp.Embedding, nil
}

func (e *HTTPEmbedder) checkShape(vecs [][]float32) error {
	if len(vecs) == 0 {
		return fmt.Errorf("empty multi-vector")
	}
	for _, v := range vecs {
		if len(v) != e.dimensions {
			return fmt.Errorf("dimension mismatch: got %d, expected %d", len(v), e.dimensions)
		}
	}
	return nil
}

func (e *HTTPEmbedder) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding: server error: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

// Dimensions returns the embedding dimension.
func (e *HTTPEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases idle connections.
func (e *HTTPEmbedder) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}
