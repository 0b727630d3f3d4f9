// Package websearch selects and constructs the web search backend.
package websearch

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/errand/tools/websearch/brave"
	"github.com/mohammad-safakhou/errand/tools/websearch/models"
	"github.com/mohammad-safakhou/errand/tools/websearch/serper"
)

// WebSearcher runs a query against a search backend and returns up to k hits.
type WebSearcher interface {
	Search(ctx context.Context, q string, k int) ([]models.Result, error)
}

type Provider string

const (
	BraveProvider  Provider = "brave"
	SerperProvider Provider = "serper"
	StubProvider   Provider = "stub"
)

var ErrUnsupportedProvider = errors.New("unsupported search provider")

// New builds the searcher named by provider. The stub provider needs no key
// and answers deterministically; it exists for offline runs and tests.
func New(provider Provider, apiKey string) (WebSearcher, error) {
	switch provider {
	case BraveProvider:
		return brave.Search{ApiKey: apiKey}, nil
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case StubProvider:
		return Stub{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
}
