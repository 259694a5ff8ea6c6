// Package cli provides the HTTP client and output helpers behind the pagelens subcommands.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hyperjump/pagelens/internal/models"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running pagelens server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL using http.DefaultClient.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

// Status mirrors GET /status.
type Status struct {
	Documents       int64          `json:"documents"`
	Pages           int64          `json:"pages"`
	VectorIndexSize int            `json:"vector_index_size"`
	DiskUsageBytes  *int64         `json:"disk_usage_bytes,omitempty"`
	InboxSessions   []string       `json:"inbox_sessions,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// Ingest uploads the files at paths into session in one request.
func (c *Client) Ingest(ctx context.Context, session string, paths []string) ([]models.IngestResult, error) {
	if len(paths) == 0 {
		return nil, errors.New("no files to ingest")
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range paths {
		if err := addFile(mw, p); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/ingest-pdfs/", url.Values{"session_id": {session}}, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out struct {
		Results []models.IngestResult `json:"results"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func addFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// Query asks a question and calls onAnswer with each cumulative answer as it streams.
// It returns the final answer. A failure reported mid-stream is returned as an error
// alongside the answer produced so far.
func (c *Client) Query(ctx context.Context, session, query string, topK int, onAnswer func(string)) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/query/", queryValues(session, query, topK), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}

	var answer string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var line struct {
			Answer string `json:"answer"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return answer, fmt.Errorf("decode answer line: %w", err)
		}
		if line.Error != "" {
			return line.Answer, errors.New(line.Error)
		}
		answer = line.Answer
		if onAnswer != nil {
			onAnswer(answer)
		}
	}
	if err := sc.Err(); err != nil {
		return answer, fmt.Errorf("read stream: %w", err)
	}
	return answer, nil
}

// Search returns the top pages for query without generating an answer.
func (c *Client) Search(ctx context.Context, session, query string, topK int) ([]models.Hit, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/search/", queryValues(session, query, topK), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Hits []models.Hit `json:"hits"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// Status returns catalog and index counts.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/status", nil, nil)
	if err != nil {
		return nil, err
	}
	var s Status
	if err := c.doJSON(req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListDocuments returns the documents of session.
func (c *Client) ListDocuments(ctx context.Context, session string) ([]models.Document, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/sessions/"+url.PathEscape(session)+"/documents", nil, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Documents []models.Document `json:"documents"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// PageImage downloads one rendered page.
func (c *Client) PageImage(ctx context.Context, session, documentID string, page int) ([]byte, error) {
	path := fmt.Sprintf("/sessions/%s/documents/%s/pages/%d", url.PathEscape(session), url.PathEscape(documentID), page)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

// DeleteDocument removes one document from session.
func (c *Client) DeleteDocument(ctx context.Context, session, documentID string) error {
	path := "/sessions/" + url.PathEscape(session) + "/documents/" + url.PathEscape(documentID)
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// DeleteSession removes every document of session and returns how many were removed.
func (c *Client) DeleteSession(ctx context.Context, session string) (int, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(session), nil, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Documents int `json:"documents"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return 0, err
	}
	return out.Documents, nil
}

func queryValues(session, query string, topK int) url.Values {
	v := url.Values{"session_id": {session}, "query": {query}}
	if topK > 0 {
		v.Set("top_k", strconv.Itoa(topK))
	}
	return v
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Request, error) {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return http.NewRequestWithContext(ctx, method, u, body)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(b))
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
