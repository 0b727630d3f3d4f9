package memory

import (
	"context"

	"github.com/mohammad-safakhou/errand/internal/store"
)

// StoreSource adapts the Postgres store to DocumentSource.
type StoreSource struct {
	Store *store.Store
}

func (s StoreSource) ListDocuments(ctx context.Context, userID string) ([]DocumentRecord, error) {
	docs, err := s.Store.ListDocuments(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]DocumentRecord, len(docs))
	for i, d := range docs {
		out[i] = DocumentRecord{ID: d.ID, Name: d.Name}
	}
	return out, nil
}

func (s StoreSource) GetDocument(ctx context.Context, userID, docID string) (DocumentRecord, error) {
	doc, err := s.Store.GetDocument(ctx, userID, docID)
	if err != nil {
		return DocumentRecord{}, err
	}
	return DocumentRecord{ID: doc.ID, Name: doc.Name, Content: doc.Content}, nil
}
