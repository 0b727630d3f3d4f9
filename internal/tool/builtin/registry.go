package builtin

import (
	"fmt"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/core"
	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/tool"
	"github.com/mohammad-safakhou/errand/tools/webfetch"
	"github.com/mohammad-safakhou/errand/tools/websearch"
)

// BuildRegistry wires the full builtin tool set from configuration. The same
// registry serves every expert; experts restrict their own view to a subset.
func BuildRegistry(cfg *config.Config, llm core.LLMProvider, mem *memory.Service) (*tool.Registry, error) {
	ws := cfg.Tools.WebSearch
	provider := websearch.Provider(ws.Provider)
	apiKey := ""
	switch provider {
	case websearch.BraveProvider:
		apiKey = ws.BraveAPIKey
	case websearch.SerperProvider:
		apiKey = ws.SerperAPIKey
	}
	searcher, err := websearch.New(provider, apiKey)
	if err != nil {
		return nil, fmt.Errorf("web search backend: %w", err)
	}

	wf := cfg.Tools.WebFetch
	fetcher, err := webfetch.NewWebFetcher(webfetch.ChromedpFetcherType, wf.Timeout, wf.MaxBody, wf.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("web fetcher: %w", err)
	}
	shooter, err := webfetch.NewScreenshotter(webfetch.ChromedpFetcherType, cfg.Tools.Screenshot.Timeout, wf.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("screenshotter: %w", err)
	}

	vision, _ := llm.(VisionAnalyzer)

	registry := tool.NewRegistry()
	builtins := []tool.Tool{
		&WebSearch{Searcher: searcher, ProviderID: ws.Provider, MaxResults: ws.MaxResults},
		&Browser{Fetcher: fetcher},
		NewDownload(cfg.Tools.Download.Dir, cfg.Tools.Download.MaxBytes, cfg.Tools.Download.Timeout),
		&Screenshot{Shooter: shooter, Dir: cfg.Tools.Screenshot.Dir, Quality: cfg.Tools.Screenshot.Quality},
		&DocumentReader{Source: mem},
		&Retrieve{Source: mem},
		&ImageAnalyzer{Vision: vision, Model: cfg.LLM.Routing.Vision},
	}
	for _, t := range builtins {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
