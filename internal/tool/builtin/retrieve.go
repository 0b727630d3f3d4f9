package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/runtime"
)

// Retriever is the slice of the memory service the retrieve tool needs.
type Retriever interface {
	Retrieve(ctx context.Context, userID, query string, k int) ([]memory.SearchHit, error)
}

// Retrieve searches the user's document memory (BM25 + vector fusion) and
// returns the best-matching chunks.
type Retrieve struct {
	Source Retriever
}

func (t *Retrieve) Name() string { return "retrieve" }

func (t *Retrieve) Description() string {
	return `search the uploaded documents for passages relevant to a query. Usage: retrieve query="..." [, k=5]. Returns {source, content, metadata} hits.`
}

func (t *Retrieve) Call(ctx context.Context, input string) (string, error) {
	params := parseParams(input, "query")
	query := params["query"]
	if query == "" {
		return failed("missing retrieval query", map[string]any{
			"error_type":  "missing_parameters",
			"suggestions": []string{`provide the query, e.g. retrieve query="quarterly revenue"`},
		}), nil
	}

	k := 0
	if v, ok := params["k"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 50 {
			k = n
		}
	}

	userID, ok := runtime.SubjectFromContext(ctx)
	if !ok {
		return failed("no user bound to this run", map[string]any{
			"error_type":  "user_unavailable",
			"suggestions": []string{"document memory is per-user; this run carries no user identity"},
		}), nil
	}

	hits, err := t.Source.Retrieve(ctx, userID, query, k)
	if err != nil {
		return failed(fmt.Sprintf("retrieval for %q failed: %v", query, err), map[string]any{
			"error_type":  "retrieval_error",
			"query":       query,
			"suggestions": []string{"retry with different wording"},
		}), nil
	}
	if len(hits) == 0 {
		return failed(fmt.Sprintf("no passages match %q", query), map[string]any{
			"error_type":    "no_results",
			"query":         query,
			"results_count": 0,
			"suggestions":   []string{"try broader wording", "use document_reader doc_id=... to read a document in full"},
		}), nil
	}

	results := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		results = append(results, map[string]any{
			"source":  h.DocName,
			"content": h.Snippet,
			"metadata": map[string]any{
				"doc_id":   h.DocID,
				"chunk_id": h.ChunkID,
				"score":    h.Score,
				"rank":     h.Rank,
			},
		})
	}
	return success(fmt.Sprintf("retrieved %d passages for %q", len(hits), query), map[string]any{
		"query":         query,
		"results_count": len(hits),
		"results":       results,
	}), nil
}
