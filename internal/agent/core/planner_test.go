package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/errand/config"
)

// scriptLLM feeds canned responses in order to Generate and
// GenerateWithTokens; an exhausted script or a forced error makes the call
// fail. Token counts are fixed so usage assertions stay simple.
type scriptLLM struct {
	mu        sync.Mutex
	responses []string
	fail      error
	prompts   []string
}

func (s *scriptLLM) next(prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.fail != nil {
		return "", s.fail
	}
	if len(s.responses) == 0 {
		return "", fmt.Errorf("script exhausted")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	return s.next(prompt)
}

func (s *scriptLLM) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	resp, err := s.next(prompt)
	if err != nil {
		return "", 0, 0, err
	}
	return resp, 7, 5, nil
}

func (s *scriptLLM) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	return nil, nil
}

func (s *scriptLLM) GetAvailableModels() []string { return []string{"stub"} }

func (s *scriptLLM) GetModelInfo(model string) (ModelInfo, error) {
	return ModelInfo{Name: model}, nil
}

func (s *scriptLLM) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return float64(inputTokens+outputTokens) * 0.001
}

func coreTestConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{
			RunTimeout:       5 * time.Second,
			MaxRounds:        3,
			MaxRoundsSearch:  5,
			PlanRetries:      1,
			PlanRetryBackoff: time.Millisecond,
			MinSamples:       5,
			LowSuccessRate:   0.3,
			HistoryLimit:     6,
		},
		LLM: config.LLMConfig{
			Routing: config.LLMRoutingConfig{
				Planning:  "plan-model",
				Selection: "select-model",
				Synthesis: "synth-model",
			},
		},
	}
}

func TestParseDecisionToolSteps(t *testing.T) {
	raw := `{"need_tool": true, "steps": [{"tool": "web_search", "input": "go 1.23 release"}], "rationale": "need live info"}`
	dec, err := parseDecision(raw)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if !dec.NeedTool || len(dec.Steps) != 1 {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	if dec.Steps[0].Input != "query=go 1.23 release" {
		t.Fatalf("expected query prefix applied, got %q", dec.Steps[0].Input)
	}
	if dec.Rationale != "need live info" {
		t.Fatalf("unexpected rationale: %q", dec.Rationale)
	}
}

func TestParseDecisionToleratesAliasKeys(t *testing.T) {
	raw := `{"need_tool": true, "plan": [{"tool": "retrieve", "input": "quarterly report"}], "thoughts": "check the docs"}`
	dec, err := parseDecision(raw)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if len(dec.Steps) != 1 || dec.Steps[0].Input != "query=quarterly report" {
		t.Fatalf("expected plan alias honored, got %+v", dec.Steps)
	}
	if dec.Rationale != "check the docs" {
		t.Fatalf("expected thoughts alias honored, got %q", dec.Rationale)
	}

	raw = `{"need_tool": false, "final_answer": "Canberra is the capital of Australia."}`
	dec, err = parseDecision(raw)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if dec.NeedTool || dec.Answer != "Canberra is the capital of Australia." {
		t.Fatalf("expected final_answer alias honored, got %+v", dec)
	}
}

func TestParseDecisionExtractsJSONFromProse(t *testing.T) {
	raw := "Here is my decision:\n```json\n{\"need_tool\": false, \"answer\": \"All done.\"}\n```\nLet me know."
	dec, err := parseDecision(raw)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if dec.NeedTool || dec.Answer != "All done." {
		t.Fatalf("unexpected decision: %+v", dec)
	}
}

func TestParseDecisionRepairsSloppyJSON(t *testing.T) {
	raw := `{"need_tool": false, "answer": "Canberra is the capital of Australia",}`
	dec, err := parseDecision(raw)
	if err != nil {
		t.Fatalf("expected repair to salvage trailing comma, got %v", err)
	}
	if dec.Answer == "" {
		t.Fatalf("expected answer, got %+v", dec)
	}
}

func TestParseDecisionErrors(t *testing.T) {
	cases := map[string]string{
		"missing need_tool":     `{"steps": [{"tool": "web_search", "input": "x"}]}`,
		"direct without answer": `{"need_tool": false, "answer": "   "}`,
	}
	for name, raw := range cases {
		if _, err := parseDecision(raw); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestParseDecisionAcceptsEmptyStepList(t *testing.T) {
	dec, err := parseDecision(`{"need_tool": true, "steps": [], "rationale": "nothing left to run"}`)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if !dec.NeedTool || len(dec.Steps) != 0 {
		t.Fatalf("expected an empty tool verdict, got %+v", dec)
	}
}

func TestParseDecisionSkipsNamelessSteps(t *testing.T) {
	raw := `{"need_tool": true, "steps": [{"tool": " ", "input": "x"}, {"tool": "web_search", "input": "y"}]}`
	dec, err := parseDecision(raw)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if len(dec.Steps) != 1 || dec.Steps[0].Tool != "web_search" {
		t.Fatalf("expected nameless step dropped, got %+v", dec.Steps)
	}
}

func TestAutoCorrectStepConventions(t *testing.T) {
	cases := []struct {
		in   PlanStep
		want string
	}{
		{PlanStep{Tool: "web_search", Input: "weather in tokyo"}, "query=weather in tokyo"},
		{PlanStep{Tool: "web_search", Input: "query=already prefixed"}, "query=already prefixed"},
		{PlanStep{Tool: "retrieve", Input: "installation steps"}, "query=installation steps"},
		{PlanStep{Tool: "document_reader", Input: "doc-42"}, "doc_id=doc-42"},
		{PlanStep{Tool: "browser", Input: "https://news.site/story"}, "action=go_to_url url=https://news.site/story"},
		{PlanStep{Tool: "browser", Input: "action=click selector=#a"}, "action=click selector=#a"},
		{PlanStep{Tool: "calculator", Input: "  2+2  "}, "2+2"},
	}
	for _, c := range cases {
		got := autoCorrectStep(c.in)
		if got.Input != c.want {
			t.Fatalf("%s %q: expected %q, got %q", c.in.Tool, c.in.Input, c.want, got.Input)
		}
	}
}

func TestDecideReturnsParsedDecision(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		`{"need_tool": true, "steps": [{"tool": "web_search", "input": "latest go release"}], "rationale": "live data"}`,
	}}
	p := NewPlanner(coreTestConfig(), llm)
	expert := Expert{Name: "search_expert", Preamble: "You research.", FallbackTool: "web_search"}

	dec, usage := p.Decide(context.Background(), expert, "what is the latest go release", "", nil, "- web_search: search the web\n")
	if !dec.NeedTool || len(dec.Steps) != 1 {
		t.Fatalf("unexpected decision: %+v", dec)
	}
	if usage.Tokens != 12 {
		t.Fatalf("expected 12 tokens accounted, got %d", usage.Tokens)
	}
	if usage.Cost == 0 {
		t.Fatalf("expected nonzero cost accounted")
	}
}

func TestDecideRetriesThenSucceeds(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		"I think we should search the web for this one.",
		`{"need_tool": false, "answer": "Nothing to do."}`,
	}}
	p := NewPlanner(coreTestConfig(), llm)
	expert := Expert{Name: "general_expert", FallbackTool: "web_search"}

	dec, usage := p.Decide(context.Background(), expert, "anything", "", nil, "")
	if dec.NeedTool || dec.Answer != "Nothing to do." {
		t.Fatalf("expected the retried parse to win, got %+v", dec)
	}
	if usage.Tokens != 24 {
		t.Fatalf("both attempts should count toward usage, got %d tokens", usage.Tokens)
	}
}

func TestDecideFallsBackAfterExhaustedRetries(t *testing.T) {
	llm := &scriptLLM{fail: fmt.Errorf("model offline")}
	p := NewPlanner(coreTestConfig(), llm)
	expert := Expert{Name: "document_expert", FallbackTool: "retrieve"}

	dec, _ := p.Decide(context.Background(), expert, "summarize the report", "", nil, "")
	if !dec.NeedTool || len(dec.Steps) != 1 {
		t.Fatalf("expected fallback plan, got %+v", dec)
	}
	if dec.Steps[0].Tool != "retrieve" {
		t.Fatalf("expected the expert fallback tool, got %q", dec.Steps[0].Tool)
	}
	if dec.Steps[0].Input != "query=summarize the report" {
		t.Fatalf("fallback input should follow tool conventions, got %q", dec.Steps[0].Input)
	}
	if len(llm.prompts) != 2 {
		t.Fatalf("expected 2 attempts (1 retry), got %d", len(llm.prompts))
	}
}

func TestFallbackDecisionDefaultsToWebSearch(t *testing.T) {
	dec := fallbackDecision(Expert{Name: "general_expert"}, "find pandas")
	if dec.Steps[0].Tool != "web_search" {
		t.Fatalf("expected web_search default, got %q", dec.Steps[0].Tool)
	}
}

func TestBuildPromptIncludesHistoryAndGuidance(t *testing.T) {
	p := NewPlanner(coreTestConfig(), &scriptLLM{})
	expert := Expert{Name: "search_expert", Preamble: "You research."}
	logs := []ToolLogEntry{
		{Step: 1, Tool: "web_search", Output: `{"status":"failed","message":"quota exceeded","details":{"suggestions":["wait a minute"]}}`},
	}

	prompt := p.buildPrompt(expert, "weather in tokyo", "memory: prior chat", logs, "- web_search: search\n")
	for _, snippet := range []string{
		"You research.",
		"weather in tokyo",
		"memory: prior chat",
		"之前的工具执行结果",
		"状态=failed",
		"建议=wait a minute",
		"Never repeat a tool call",
		`"need_tool": true`,
	} {
		if !strings.Contains(prompt, snippet) {
			t.Fatalf("prompt missing %q:\n%s", snippet, prompt)
		}
	}
}

func TestBuildPromptTrimsHistoryToLimit(t *testing.T) {
	cfg := coreTestConfig()
	cfg.Agent.HistoryLimit = 2
	p := NewPlanner(cfg, &scriptLLM{})

	var logs []ToolLogEntry
	for i := 1; i <= 5; i++ {
		logs = append(logs, ToolLogEntry{Step: i, Tool: "calculator", Output: `{"status":"success","message":"ok"}`})
	}
	prompt := p.buildPrompt(Expert{Name: "general_expert"}, "q", "", logs, "")
	if strings.Contains(prompt, "第3步") {
		t.Fatalf("expected only the last 2 entries, found step 3:\n%s", prompt)
	}
	for _, snippet := range []string{"第4步", "第5步"} {
		if !strings.Contains(prompt, snippet) {
			t.Fatalf("prompt missing %q", snippet)
		}
	}
}

func TestOutcomeDigestRendersStatusAndSuggestions(t *testing.T) {
	logs := []ToolLogEntry{
		{Step: 1, Tool: "web_search", Output: `{"status":"success","message":"3 results"}`},
		{Step: 2, Tool: "download", Output: `{"status":"failed","message":"404","details":{"suggestions":["try another url"]}}`},
	}
	digest := outcomeDigest(logs, 100)
	for _, snippet := range []string{
		"第1步 - web_search: 状态=success, 结果=3 results",
		"第2步 - download: 状态=failed",
		"建议=try another url",
	} {
		if !strings.Contains(digest, snippet) {
			t.Fatalf("digest missing %q:\n%s", snippet, digest)
		}
	}
}
