// Package memory holds per-user document memory: uploaded documents are
// chunked into a BM25 index plus an in-memory vector list, and retrieval
// fuses both rankings. It also keeps the recent conversation turns that the
// planning prompts receive as opaque context.
package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
)

const rrfK = 60 // reciprocal-rank-fusion constant

// DocChunk is one indexed slice of an uploaded document.
type DocChunk struct {
	ChunkID    string
	DocID      string
	DocName    string
	Text       string
	ChunkIndex int
	AddedAt    time.Time
}

// DocInfo summarizes one uploaded document for listings and context prompts.
type DocInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Chunks  int       `json:"chunks"`
	AddedAt time.Time `json:"added_at"`
}

// SearchHit is one retrieval result.
type SearchHit struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	DocName string  `json:"doc_name"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

type chunkVec struct {
	ChunkID string
	Vec     []float32
}

// Memory is one user's document index: a mem-only bleve index for BM25, the
// chunk metadata, and in-memory vectors for small corpora.
type Memory struct {
	mu      sync.RWMutex
	index   bleve.Index
	meta    map[string]DocChunk // by chunk id
	docs    map[string]DocInfo  // by doc id
	content map[string]string   // full text by doc id
	vectors []chunkVec
}

// NewMemory builds an empty in-process memory.
func NewMemory() (*Memory, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating memory index: %w", err)
	}
	return &Memory{
		index:   index,
		meta:    make(map[string]DocChunk),
		docs:    make(map[string]DocInfo),
		content: make(map[string]string),
	}, nil
}

// AddDocument chunks and indexes one document. Re-adding a known doc id is a
// no-op so hydration from the store stays idempotent. The returned chunks let
// the caller embed them for vector search.
func (m *Memory) AddDocument(docID, name, content string) ([]DocChunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("document %q has no content", docID)
	}
	if docID == "" {
		docID = sha1Hex(content)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; ok {
		return nil, nil
	}

	now := time.Now()
	parts := makeChunks(content, 1000, 200)
	chunks := make([]DocChunk, 0, len(parts))
	for i, part := range parts {
		chunk := DocChunk{
			ChunkID:    fmt.Sprintf("%s#%03d", docID, i),
			DocID:      docID,
			DocName:    name,
			Text:       part,
			ChunkIndex: i,
			AddedAt:    now,
		}
		if err := m.index.Index(chunk.ChunkID, chunk); err != nil {
			return nil, fmt.Errorf("indexing chunk %s: %w", chunk.ChunkID, err)
		}
		m.meta[chunk.ChunkID] = chunk
		chunks = append(chunks, chunk)
	}
	m.docs[docID] = DocInfo{ID: docID, Name: name, Chunks: len(chunks), AddedAt: now}
	m.content[docID] = content
	return chunks, nil
}

// HasDocument reports whether the doc id is already indexed.
func (m *Memory) HasDocument(docID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[docID]
	return ok
}

// Documents lists indexed documents, oldest first.
func (m *Memory) Documents() []DocInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DocInfo, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// Content returns a document's full text.
func (m *Memory) Content(docID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.content[docID]
	return text, ok
}

// SetVector attaches an embedding to an indexed chunk.
func (m *Memory) SetVector(chunkID string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors = append(m.vectors, chunkVec{ChunkID: chunkID, Vec: vec})
}

// BM25Search queries the bleve index and returns up to k hits.
func (m *Memory) BM25Search(q string, k int) ([]SearchHit, error) {
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := m.index.Search(req)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SearchHit
	for i, hit := range res.Hits {
		chunk := m.meta[hit.ID]
		out = append(out, SearchHit{
			ChunkID: hit.ID,
			DocID:   chunk.DocID,
			DocName: chunk.DocName,
			Snippet: snippet(chunk.Text),
			Score:   hit.Score,
			Rank:    i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// VectorSearch ranks chunks by cosine similarity against the query vector.
func (m *Memory) VectorSearch(q []float32, k int) []SearchHit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type scored struct {
		id    string
		score float64
	}
	var scoreds []scored
	for _, v := range m.vectors {
		scoreds = append(scoreds, scored{id: v.ChunkID, score: cosine(q, v.Vec)})
	}
	sort.Slice(scoreds, func(i, j int) bool { return scoreds[i].score > scoreds[j].score })

	var out []SearchHit
	for i, sc := range scoreds {
		chunk := m.meta[sc.id]
		out = append(out, SearchHit{
			ChunkID: sc.id,
			DocID:   chunk.DocID,
			DocName: chunk.DocName,
			Snippet: snippet(chunk.Text),
			Score:   sc.score,
			Rank:    i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out
}

// FuseRRF merges two rankings by reciprocal rank fusion and returns the top k.
func FuseRRF(a, b []SearchHit, k int) []SearchHit {
	type agg struct {
		item  SearchHit
		score float64
	}
	m := map[string]*agg{}
	add := func(list []SearchHit) {
		for _, h := range list {
			x, ok := m[h.ChunkID]
			if !ok {
				x = &agg{item: h}
				m[h.ChunkID] = x
			}
			x.score += 1.0 / float64(rrfK+h.Rank)
		}
	}
	add(a)
	add(b)

	items := make([]*agg, 0, len(m))
	for _, v := range m {
		items = append(items, v)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].score > items[j].score })

	out := make([]SearchHit, 0, min(k, len(items)))
	for i := 0; i < min(k, len(items)); i++ {
		hit := items[i].item
		hit.Score = items[i].score
		hit.Rank = i + 1
		out = append(out, hit)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func makeChunks(text string, approx, overlap int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= approx {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(text); {
		end := start + approx
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "…"
}
