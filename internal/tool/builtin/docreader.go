package builtin

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/runtime"
)

// DocumentSource is the slice of the memory service the reader needs.
type DocumentSource interface {
	ReadDocument(ctx context.Context, userID, docID string) (memory.DocumentRecord, error)
}

// DocumentReader returns the full text of an uploaded document by id. The
// owning user travels in the context, placed there by the worker before the
// run starts.
type DocumentReader struct {
	Source DocumentSource
}

func (t *DocumentReader) Name() string { return "document_reader" }

func (t *DocumentReader) Description() string {
	return `read a previously uploaded document by its id. Usage: document_reader doc_id=<id>. Returns the document content.`
}

func (t *DocumentReader) Call(ctx context.Context, input string) (string, error) {
	params := parseParams(input, "doc_id")
	docID := params["doc_id"]
	if docID == "" {
		return failed("missing doc_id", map[string]any{
			"error_type":  "missing_parameters",
			"suggestions": []string{"provide the document id, e.g. document_reader doc_id=doc123"},
		}), nil
	}

	userID, ok := runtime.SubjectFromContext(ctx)
	if !ok {
		return failed("no user bound to this run", map[string]any{
			"error_type":  "user_unavailable",
			"suggestions": []string{"documents are per-user; this run carries no user identity"},
		}), nil
	}

	rec, err := t.Source.ReadDocument(ctx, userID, docID)
	if err != nil {
		return failed(fmt.Sprintf("document %q not found", docID), map[string]any{
			"error_type":  "doc_id_not_found",
			"doc_id":      docID,
			"suggestions": []string{"check the document id", "use retrieve query=... to search across all documents"},
		}), nil
	}

	return success(fmt.Sprintf("read document %q", docID), map[string]any{
		"content": rec.Content,
		"doc_info": map[string]any{
			"doc_id": rec.ID,
			"name":   rec.Name,
			"length": len(rec.Content),
		},
	}), nil
}
