package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/hyperjump/pagelens/internal/models"
	"github.com/hyperjump/pagelens/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json".
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteIngestResults prints one line per file. It reports whether every file succeeded.
func WriteIngestResults(w io.Writer, results []models.IngestResult, format OutputFormat) (bool, error) {
	ok := true
	for _, r := range results {
		ok = ok && r.OK()
	}
	if format == OutputJSON {
		return ok, WriteJSON(w, map[string]any{"results": results})
	}
	for _, r := range results {
		if r.OK() {
			fmt.Fprintf(w, "ok     %s  %s  (%d pages)\n", r.Filename, r.DocumentID, r.NumPages)
		} else {
			fmt.Fprintf(w, "failed %s  %s\n", r.Filename, r.Error)
		}
	}
	return ok, nil
}

// WriteHits prints ranked pages. Page numbers are shown 1-based.
func WriteHits(w io.Writer, hits []models.Hit, format OutputFormat) error {
	if format == OutputJSON {
		if hits == nil {
			hits = []models.Hit{}
		}
		return WriteJSON(w, map[string]any{"hits": hits})
	}
	if len(hits) == 0 {
		fmt.Fprintln(w, "No matching pages.")
		return nil
	}
	for i, h := range hits {
		fmt.Fprintf(w, "%d. document %s, page %d  score %.4f\n", i+1, h.DocumentID, h.PageIndex+1, h.Score)
	}
	return nil
}

// WriteDocuments prints the documents of a session.
func WriteDocuments(w io.Writer, session string, docs []models.Document, format OutputFormat) error {
	if format == OutputJSON {
		if docs == nil {
			docs = []models.Document{}
		}
		return WriteJSON(w, map[string]any{"session_id": session, "documents": docs})
	}
	if len(docs) == 0 {
		fmt.Fprintf(w, "Session %s has no documents.\n", session)
		return nil
	}
	for _, d := range docs {
		fmt.Fprintf(w, "%s  %-9s  %3d pages  %s\n", d.ID, d.Status, d.NumPages, d.Filename)
	}
	return nil
}

// WriteStatus prints server counts followed by the configuration keys in sorted order.
func WriteStatus(w io.Writer, s *Status, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, s)
	}
	fmt.Fprintf(w, "documents:          %d   # committed documents\n", s.Documents)
	fmt.Fprintf(w, "pages:              %d   # pages of committed documents\n", s.Pages)
	fmt.Fprintf(w, "vector_index_size:  %d   # pages in the vector index\n", s.VectorIndexSize)
	if s.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # %s for catalog, index and page images\n", *s.DiskUsageBytes, utils.HumanBytes(*s.DiskUsageBytes))
	}
	if len(s.InboxSessions) > 0 {
		fmt.Fprintf(w, "inbox_sessions:     %v\n", s.InboxSessions)
	}
	if len(s.Config) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		keys := make([]string, 0, len(s.Config))
		for k := range s.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%-22s%v\n", k+":", s.Config[k])
		}
	}
	return nil
}
