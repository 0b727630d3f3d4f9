// Package builtin implements the builtin tool set the experts dispatch:
// web search, browser page fetch, file download, page screenshot, document
// reading, memory retrieval and image analysis. Every tool encodes its result
// as the {status, message, details} JSON the interpreter normalizes.
package builtin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mohammad-safakhou/errand/tools/websearch"
)

// WebSearch queries the configured search backend.
type WebSearch struct {
	Searcher   websearch.WebSearcher
	ProviderID string
	MaxResults int
}

func (t *WebSearch) Name() string { return "web_search" }

func (t *WebSearch) Description() string {
	return `search the web for live information, news or anything not in the model's knowledge. Usage: web_search query="search keywords" [, num=5]. Returns a structured result with ranked hits.`
}

func (t *WebSearch) Call(ctx context.Context, input string) (string, error) {
	params := parseParams(input, "query")
	query := params["query"]
	if query == "" {
		return failed("missing search query", map[string]any{
			"error_type":  "missing_parameters",
			"suggestions": []string{`provide the query, e.g. web_search query="weather in Beijing"`},
		}), nil
	}

	num := t.MaxResults
	if num <= 0 {
		num = 5
	}
	if v, ok := params["num"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 20 {
			num = n
		}
	}

	hits, err := t.Searcher.Search(ctx, query, num)
	if err != nil {
		return failed(fmt.Sprintf("search for %q failed: %v", query, err), map[string]any{
			"error_type":  "search_error",
			"query":       query,
			"provider":    t.ProviderID,
			"suggestions": []string{"check network connectivity", "retry with different keywords"},
		}), nil
	}
	if len(hits) == 0 {
		return failed(fmt.Sprintf("no results for %q", query), map[string]any{
			"error_type":  "no_results",
			"query":       query,
			"provider":    t.ProviderID,
			"num_results": 0,
			"suggestions": []string{"try broader or different keywords"},
		}), nil
	}

	results := make([]map[string]any, 0, len(hits))
	for i, h := range hits {
		results = append(results, map[string]any{
			"index":   i + 1,
			"title":   h.Title,
			"url":     h.URL,
			"snippet": h.Snippet,
		})
	}
	return success(fmt.Sprintf("found %d results for %q", len(hits), query), map[string]any{
		"query":       query,
		"provider":    t.ProviderID,
		"num_results": len(hits),
		"results":     results,
		"suggestions": []string{"use browser to open a result, download for image urls, screenshot for pages"},
	}), nil
}
