package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hyperjump/pagelens/internal/models"
)

const memoryFileMagic = "PLMV1"

type pageKey struct {
	session  string
	document string
	page     int
}

type memoryEntry struct {
	key     pageKey
	vectors [][]float32
}

// MemoryIndex is an in-memory multi-vector index using brute-force MaxSim scoring.
// Entries keep insertion order, which breaks score ties.
type MemoryIndex struct {
	dimensions int
	entries    []memoryEntry
	positions  map[pageKey]int
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory index for vectors of the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("vector: dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		positions:  make(map[pageKey]int),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Upsert stores page embeddings. Re-upserting a page replaces its vectors in place.
func (m *MemoryIndex) Upsert(ctx context.Context, embeddings []models.PageEmbedding) error {
	for _, e := range embeddings {
		if len(e.Vectors) == 0 {
			return fmt.Errorf("vector: page %s/%d has no vectors", e.DocumentID, e.PageIndex)
		}
		for _, v := range e.Vectors {
			if len(v) != m.dimensions {
				return fmt.Errorf("vector: dimension mismatch: got %d, expected %d", len(v), m.dimensions)
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range embeddings {
		key := pageKey{session: e.SessionID, document: e.DocumentID, page: e.PageIndex}
		vecs := make([][]float32, len(e.Vectors))
		for i, v := range e.Vectors {
			vecs[i] = append([]float32(nil), v...)
		}
		if pos, ok := m.positions[key]; ok {
			m.entries[pos].vectors = vecs
			continue
		}
		m.positions[key] = len(m.entries)
		m.entries = append(m.entries, memoryEntry{key: key, vectors: vecs})
	}
	return nil
}

// Search scores every page of the session with MaxSim and returns the top k.
func (m *MemoryIndex) Search(ctx context.Context, query [][]float32, filter Filter, k int) ([]Result, error) {
	if filter.SessionID == "" {
		return nil, fmt.Errorf("vector: search requires a session filter")
	}
	for _, q := range query {
		if len(q) != m.dimensions {
			return nil, fmt.Errorf("vector: query dimension mismatch: got %d, expected %d", len(q), m.dimensions)
		}
	}
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	var allowed map[string]struct{}
	if filter.DocumentIDs != nil {
		allowed = make(map[string]struct{}, len(filter.DocumentIDs))
		for _, id := range filter.DocumentIDs {
			allowed[id] = struct{}{}
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []Result
	for _, e := range m.entries {
		if e.key.session != filter.SessionID {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[e.key.document]; !ok {
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, Result{
			SessionID:  e.key.session,
			DocumentID: e.key.document,
			PageIndex:  e.key.page,
			Score:      MaxSim(query, e.vectors),
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// DeleteDocument removes every page of a document.
func (m *MemoryIndex) DeleteDocument(ctx context.Context, sessionID, documentID string) error {
	m.removeWhere(func(k pageKey) bool { return k.session == sessionID && k.document == documentID })
	return nil
}

// DeleteSession removes every page of a session.
func (m *MemoryIndex) DeleteSession(ctx context.Context, sessionID string) error {
	m.removeWhere(func(k pageKey) bool { return k.session == sessionID })
	return nil
}

func (m *MemoryIndex) removeWhere(match func(pageKey) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if !match(e.key) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = memoryEntry{}
	}
	m.entries = kept
	m.reindexLocked()
}

func (m *MemoryIndex) reindexLocked() {
	m.positions = make(map[pageKey]int, len(m.entries))
	for i, e := range m.entries {
		m.positions[e.key] = i
	}
}

// Count returns the number of stored pages.
func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	return m.Size(), nil
}

// Size returns the number of stored pages.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Save persists the index to path, creating the directory if needed. Format: magic,
// dimension (4), n (4), then per page: session, document (length-prefixed), page index (4),
// vector count (4), vectors (count*dimension*4 bytes). Integers are little endian.
func (m *MemoryIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	tmp := f.Name()
	w := bufio.NewWriter(f)
	if err := m.writeLocked(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}

func (m *MemoryIndex) writeLocked(w io.Writer) error {
	if _, err := io.WriteString(w, memoryFileMagic); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := writeUint32(w, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := writeUint32(w, uint32(len(m.entries))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for _, e := range m.entries {
		if err := writeString(w, e.key.session); err != nil {
			return fmt.Errorf("write session: %w", err)
		}
		if err := writeString(w, e.key.document); err != nil {
			return fmt.Errorf("write document: %w", err)
		}
		if err := writeUint32(w, uint32(e.key.page)); err != nil {
			return fmt.Errorf("write page index: %w", err)
		}
		if err := writeUint32(w, uint32(len(e.vectors))); err != nil {
			return fmt.Errorf("write vector count: %w", err)
		}
		for _, v := range e.vectors {
			if _, err := w.Write(float32SliceToBytes(v)); err != nil {
				return fmt.Errorf("write vector: %w", err)
			}
		}
	}
	return nil
}

// Load reads the index from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(memoryFileMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != memoryFileMagic {
		return errors.New("vector: not a page index file")
	}
	dim, err := readUint32(r)
	if err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, m.dimensions)
	}
	n, err := readUint32(r)
	if err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	entries := make([]memoryEntry, 0, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var e memoryEntry
		if e.key.session, err = readString(r); err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		if e.key.document, err = readString(r); err != nil {
			return fmt.Errorf("read document: %w", err)
		}
		page, err := readUint32(r)
		if err != nil {
			return fmt.Errorf("read page index: %w", err)
		}
		e.key.page = int(page)
		count, err := readUint32(r)
		if err != nil {
			return fmt.Errorf("read vector count: %w", err)
		}
		e.vectors = make([][]float32, count)
		for j := range e.vectors {
			if _, err := io.ReadFull(r, buf); err != nil {
				return fmt.Errorf("read vector: %w", err)
			}
			e.vectors[j] = bytesToFloat32Slice(buf)
		}
		entries = append(entries, e)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.reindexLocked()
	return nil
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeString(w io.Writer, s string) error {
	if err := writeUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
