package core

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/errand/config"
)

// SearchExpertName is the designated fallback expert for low-quality answers.
const SearchExpertName = "search_expert"

// GeneralExpertName is the default route when no keyword matches.
const GeneralExpertName = "general_expert"

// Expert is a specialized sub-agent profile: a tool subset, a domain-framed
// planning preamble, keyword routes and a round budget.
type Expert struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Preamble     string   `json:"-"`
	Tools        []string `json:"tools,omitempty"`
	Keywords     []string `json:"-"`
	MaxRounds    int      `json:"max_rounds"`
	FallbackTool string   `json:"-"`
}

// Experts holds the registered expert profiles in registration order. The
// order matters: it is the tie-break rule for performance-driven selection.
type Experts struct {
	order  []string
	byName map[string]Expert
}

// NewExperts builds an expert set preserving registration order.
func NewExperts(profiles ...Expert) (*Experts, error) {
	e := &Experts{byName: make(map[string]Expert, len(profiles))}
	for _, p := range profiles {
		if _, dup := e.byName[p.Name]; dup {
			return nil, fmt.Errorf("expert %q registered twice", p.Name)
		}
		e.byName[p.Name] = p
		e.order = append(e.order, p.Name)
	}
	if len(e.order) == 0 {
		return nil, fmt.Errorf("no experts registered")
	}
	return e, nil
}

// Get returns the expert by name.
func (e *Experts) Get(name string) (Expert, bool) {
	p, ok := e.byName[name]
	return p, ok
}

// Names returns expert names in registration order.
func (e *Experts) Names() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Describe renders "name: description" lines for the selection prompt.
func (e *Experts) Describe() string {
	var b strings.Builder
	for _, name := range e.order {
		p := e.byName[name]
		fmt.Fprintf(&b, "- %s: %s\n", p.Name, p.Description)
	}
	return b.String()
}

// DefaultExperts returns the builtin roster: a search expert with the larger
// round budget for multi-step web interaction, a document expert, an image
// expert and a general-purpose catch-all with the full registry view.
func DefaultExperts(cfg config.AgentConfig) (*Experts, error) {
	return NewExperts(
		Expert{
			Name:        SearchExpertName,
			Description: "web search, live information lookup, imagery retrieval and page interaction",
			Preamble: "You are a web research expert. You excel at searching the web, " +
				"fetching live information and interacting with pages. Search first, " +
				"then drill into the most promising results.",
			Tools:        []string{"web_search", "browser", "download", "screenshot"},
			Keywords:     []string{"天气", "新闻", "搜索", "网页", "网络", "最新", "实时", "search", "find", "weather", "news", "查找", "查询"},
			MaxRounds:    cfg.MaxRoundsSearch,
			FallbackTool: "web_search",
		},
		Expert{
			Name:        "document_expert",
			Description: "document processing, file content analysis and retrieval from uploaded material",
			Preamble: "You are a document analysis expert. Answer from the uploaded " +
				"documents using the reader and retrieval tools rather than guessing.",
			Tools:        []string{"document_reader", "retrieve"},
			Keywords:     []string{"文档", "文件", "阅读", "内容", "上传", "分析", "处理", "总结", "document", "read", "summarize"},
			MaxRounds:    cfg.MaxRounds,
			FallbackTool: "retrieve",
		},
		Expert{
			Name:        "image_expert",
			Description: "image retrieval, page capture and visual content analysis",
			Preamble: "You are a visual content expert. Fetch images or capture pages " +
				"first, then analyze what they show.",
			Tools:        []string{"download", "screenshot", "image_analyzer"},
			Keywords:     []string{"图片", "照片", "截图", "截屏", "壁纸", "image", "picture", "photo", "screenshot"},
			MaxRounds:    cfg.MaxRounds,
			FallbackTool: "screenshot",
		},
		Expert{
			Name:        GeneralExpertName,
			Description: "general question answering, synthesis and reasoning across all tools",
			Preamble: "You are a capable general assistant. Decide whether tools are " +
				"needed; answer directly when you already know.",
			Tools:        nil, // nil means the full registry view
			Keywords:     nil,
			MaxRounds:    cfg.MaxRounds,
			FallbackTool: "web_search",
		},
	)
}

// KeywordRoute returns the first expert whose keyword list matches the query,
// defaulting to the general expert. Experts are consulted newest-registered
// first so the narrower profiles (image, document) win over the broad search
// expert when a query names both. Used when LLM classification fails or names
// an unknown expert.
func (e *Experts) KeywordRoute(query string) string {
	lower := strings.ToLower(query)
	for i := len(e.order) - 1; i >= 0; i-- {
		p := e.byName[e.order[i]]
		for _, kw := range p.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return p.Name
			}
		}
	}
	if _, ok := e.byName[GeneralExpertName]; ok {
		return GeneralExpertName
	}
	return e.order[len(e.order)-1]
}

// autoCorrectStep rewrites sloppy planner output into the documented input
// conventions: a browser step handed a bare URL becomes an explicit
// navigation, and query-style tools get their keyword prefix.
func autoCorrectStep(step PlanStep) PlanStep {
	input := strings.TrimSpace(step.Input)
	step.Input = input
	switch {
	case strings.Contains(step.Tool, "browser"):
		if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
			step.Input = "action=go_to_url url=" + input
		} else if !strings.HasPrefix(input, "action=") {
			step.Input = strings.TrimSpace("action=go_to_url " + input)
		}
	case strings.Contains(step.Tool, "decision"):
		if input != "" && !strings.HasPrefix(input, "task=") {
			step.Input = "task=" + input
		}
	case strings.Contains(step.Tool, "search") || step.Tool == "retrieve":
		if input != "" && !strings.HasPrefix(input, "query=") {
			step.Input = "query=" + input
		}
	case strings.Contains(step.Tool, "document_reader"):
		if input != "" && !strings.HasPrefix(input, "doc_id=") {
			step.Input = "doc_id=" + input
		}
	}
	return step
}
