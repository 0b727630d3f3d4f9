package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/errand/config"
)

const embedBatchSize = 32

// DocumentRecord is a persisted upload the service hydrates from.
type DocumentRecord struct {
	ID      string
	Name    string
	Content string
}

// DocumentSource lists and fetches a user's persisted uploads. The Postgres
// store satisfies it through StoreSource; a nil source keeps the service
// purely in-process. ListDocuments may omit Content; hydration fetches the
// full record per document.
type DocumentSource interface {
	ListDocuments(ctx context.Context, userID string) ([]DocumentRecord, error)
	GetDocument(ctx context.Context, userID, docID string) (DocumentRecord, error)
}

// Embedder produces vector embeddings; the LLM provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)
}

// Turn is one conversation entry kept for prompt context.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

type userMemory struct {
	mem   *Memory
	turns []Turn
}

// Service manages per-user memories: hydration from the document source,
// uploads, conversation turns, hybrid retrieval and the context string handed
// to planning prompts.
type Service struct {
	cfg        config.MemoryConfig
	source     DocumentSource
	embedder   Embedder
	embedModel string
	logger     *log.Logger

	mu    sync.Mutex
	users map[string]*userMemory
}

// NewService builds the memory service. source and embedder may be nil:
// without a source nothing is hydrated from storage, without an embedder
// retrieval is BM25-only.
func NewService(cfg config.MemoryConfig, source DocumentSource, embedder Embedder, embedModel string, logger *log.Logger) *Service {
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 50
	}
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = 10
	}
	if cfg.RetrieveTopK <= 0 {
		cfg.RetrieveTopK = 5
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	if embedder != nil && embedModel == "" {
		logger.Printf("no embedding model configured, retrieval falls back to BM25 only")
		embedder = nil
	}
	return &Service{
		cfg:        cfg,
		source:     source,
		embedder:   embedder,
		embedModel: embedModel,
		logger:     logger,
		users:      make(map[string]*userMemory),
	}
}

// AddDocument indexes an already-persisted document for the user and embeds
// its chunks when an embedder is available. Embedding failures are logged and
// leave BM25 retrieval working.
func (s *Service) AddDocument(ctx context.Context, userID, docID, name, content string) (int, error) {
	um, err := s.ensure(ctx, userID)
	if err != nil {
		return 0, err
	}
	if docs := um.mem.Documents(); len(docs) >= s.cfg.MaxDocuments && !um.mem.HasDocument(docID) {
		return 0, fmt.Errorf("document limit reached (%d)", s.cfg.MaxDocuments)
	}
	chunks, err := um.mem.AddDocument(docID, name, content)
	if err != nil {
		return 0, err
	}
	s.embedChunks(ctx, um.mem, chunks)
	return len(chunks), nil
}

// AddTurn appends one conversation entry for the user.
func (s *Service) AddTurn(userID, role, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	um := s.users[userID]
	if um == nil {
		mem, err := NewMemory()
		if err != nil {
			s.logger.Printf("memory init for %s failed: %v", userID, err)
			return
		}
		um = &userMemory{mem: mem}
		s.users[userID] = um
	}
	um.turns = append(um.turns, Turn{Role: role, Content: content, At: time.Now()})
	// keep a little slack beyond what prompts use
	if keep := s.cfg.RecentTurns * 2; len(um.turns) > keep {
		um.turns = um.turns[len(um.turns)-keep:]
	}
}

// Documents lists the user's indexed documents.
func (s *Service) Documents(ctx context.Context, userID string) ([]DocInfo, error) {
	um, err := s.ensure(ctx, userID)
	if err != nil {
		return nil, err
	}
	return um.mem.Documents(), nil
}

// ContextString renders the document listing and recent turns the planning
// prompts receive. Empty memory yields an empty string so prompts stay clean.
func (s *Service) ContextString(ctx context.Context, userID string) string {
	um, err := s.ensure(ctx, userID)
	if err != nil {
		s.logger.Printf("context build for %s failed: %v", userID, err)
		return ""
	}

	docs := um.mem.Documents()
	turns := s.recentTurns(userID)
	if len(docs) == 0 && len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	if len(docs) > 0 {
		b.WriteString("【可用文档】\n")
		for _, d := range docs {
			fmt.Fprintf(&b, "- doc_id=%s name=%q chunks=%d\n", d.ID, d.Name, d.Chunks)
		}
	}
	if len(turns) > 0 {
		b.WriteString("【对话历史】\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Retrieve runs hybrid retrieval over the user's chunks: BM25 plus vector
// search fused by reciprocal rank, or BM25 alone without an embedder.
func (s *Service) Retrieve(ctx context.Context, userID, query string, k int) ([]SearchHit, error) {
	if k <= 0 {
		k = s.cfg.RetrieveTopK
	}
	um, err := s.ensure(ctx, userID)
	if err != nil {
		return nil, err
	}

	bm, err := um.mem.BM25Search(query, k)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	if s.embedder == nil {
		return bm, nil
	}

	vecs, err := s.embedder.Embed(ctx, s.embedModel, []string{query})
	if err != nil || len(vecs) == 0 {
		s.logger.Printf("query embedding failed, using BM25 only: %v", err)
		return bm, nil
	}
	vec := um.mem.VectorSearch(vecs[0], k)
	return FuseRRF(bm, vec, k), nil
}

// ReadDocument returns a document's full content, preferring the persisted
// copy and falling back to the in-process index.
func (s *Service) ReadDocument(ctx context.Context, userID, docID string) (DocumentRecord, error) {
	if s.source != nil {
		rec, err := s.source.GetDocument(ctx, userID, docID)
		if err == nil {
			return rec, nil
		}
	}
	um, err := s.ensure(ctx, userID)
	if err != nil {
		return DocumentRecord{}, err
	}
	if text, ok := um.mem.Content(docID); ok {
		name := docID
		for _, d := range um.mem.Documents() {
			if d.ID == docID {
				name = d.Name
				break
			}
		}
		return DocumentRecord{ID: docID, Name: name, Content: text}, nil
	}
	return DocumentRecord{}, fmt.Errorf("document %q not found", docID)
}

// ensure returns the user's memory, hydrating any persisted documents that
// are not indexed yet. Hydration is incremental so fresh uploads from other
// processes show up on the next call.
func (s *Service) ensure(ctx context.Context, userID string) (*userMemory, error) {
	s.mu.Lock()
	um := s.users[userID]
	if um == nil {
		mem, err := NewMemory()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		um = &userMemory{mem: mem}
		s.users[userID] = um
	}
	s.mu.Unlock()

	if s.source == nil {
		return um, nil
	}
	records, err := s.source.ListDocuments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	for _, rec := range records {
		if um.mem.HasDocument(rec.ID) {
			continue
		}
		if len(um.mem.Documents()) >= s.cfg.MaxDocuments {
			s.logger.Printf("document limit reached for %s, skipping %s", userID, rec.ID)
			break
		}
		full := rec
		if full.Content == "" {
			full, err = s.source.GetDocument(ctx, userID, rec.ID)
			if err != nil {
				s.logger.Printf("loading %s failed: %v", rec.ID, err)
				continue
			}
		}
		chunks, err := um.mem.AddDocument(full.ID, full.Name, full.Content)
		if err != nil {
			s.logger.Printf("hydrating %s failed: %v", rec.ID, err)
			continue
		}
		s.embedChunks(ctx, um.mem, chunks)
	}
	return um, nil
}

func (s *Service) recentTurns(userID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	um := s.users[userID]
	if um == nil {
		return nil
	}
	turns := um.turns
	if len(turns) > s.cfg.RecentTurns {
		turns = turns[len(turns)-s.cfg.RecentTurns:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// embedChunks attaches vectors to freshly indexed chunks, batched the way the
// provider expects.
func (s *Service) embedChunks(ctx context.Context, mem *Memory, chunks []DocChunk) {
	if s.embedder == nil || len(chunks) == 0 {
		return
	}
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		inputs := make([]string, len(batch))
		for i, c := range batch {
			inputs[i] = c.Text
		}
		vecs, err := s.embedder.Embed(ctx, s.embedModel, inputs)
		if err != nil {
			s.logger.Printf("embedding batch failed: %v", err)
			return
		}
		if len(vecs) != len(batch) {
			s.logger.Printf("embedding returned %d vectors for %d chunks", len(vecs), len(batch))
			return
		}
		for i, c := range batch {
			mem.SetVector(c.ChunkID, vecs[i])
		}
	}
}
