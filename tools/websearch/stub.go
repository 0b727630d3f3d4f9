package websearch

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/errand/tools/websearch/models"
)

// Stub is an offline backend that fabricates deterministic hits from the
// query text. Useful for local runs without API keys and for tests.
type Stub struct{}

func (Stub) Search(_ context.Context, q string, k int) ([]models.Result, error) {
	if k <= 0 {
		k = 3
	}
	slug := strings.ToLower(strings.Join(strings.Fields(q), "-"))
	if slug == "" {
		slug = "query"
	}
	out := make([]models.Result, 0, k)
	for i := 1; i <= k; i++ {
		out = append(out, models.Result{
			Title:   fmt.Sprintf("%s (result %d)", q, i),
			URL:     fmt.Sprintf("https://example.com/%s/%d", slug, i),
			Snippet: fmt.Sprintf("Stubbed result %d for %q.", i, q),
		})
	}
	return out, nil
}
