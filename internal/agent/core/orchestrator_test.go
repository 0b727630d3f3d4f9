package core

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/tool"
)

// newTestOrchestrator assembles the orchestrator directly so tests can inject
// a scripted LLM instead of a real provider.
func newTestOrchestrator(t *testing.T, cfg *config.Config, llm LLMProvider) *Orchestrator {
	t.Helper()
	experts, err := DefaultExperts(cfg.Agent)
	if err != nil {
		t.Fatalf("DefaultExperts: %v", err)
	}
	tracker := NewPerformanceTracker(experts.Names())
	registry := tool.NewRegistry()
	return &Orchestrator{
		cfg:      cfg,
		logger:   log.New(io.Discard, "", 0),
		experts:  experts,
		selector: NewExpertSelector(cfg, experts, tracker, llm),
		loop:     NewExecutionLoop(cfg, registry, llm, nil),
		tracker:  tracker,
		registry: registry,
		llm:      llm,
	}
}

func TestRunDirectAnswerSuccess(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		"general_expert",
		`{"need_tool": false, "answer": "The capital of Australia is Canberra, and Parliament House sits there.", "rationale": "common knowledge"}`,
	}}
	orch := newTestOrchestrator(t, coreTestConfig(), llm)

	res := orch.Run(context.Background(), "what is the capital of australia", "")

	if res.Error || res.Timeout {
		t.Fatalf("unexpected failure flags: error=%v timeout=%v", res.Error, res.Timeout)
	}
	if res.ExpertName != GeneralExpertName {
		t.Fatalf("expected %s, got %s", GeneralExpertName, res.ExpertName)
	}
	if !res.SuccessEvaluation {
		t.Fatalf("expected the answer to pass the quality check: %q", res.FinalAnswer)
	}
	if !strings.Contains(res.FinalAnswer, "Canberra") {
		t.Fatalf("unexpected answer: %q", res.FinalAnswer)
	}
	if len(res.ToolLogs) != 0 || res.BackupUsed {
		t.Fatalf("direct answer must not run tools or the backup: %+v", res)
	}
	if res.TokensUsed != 12 {
		t.Fatalf("expected 12 tokens from one planning call, got %d", res.TokensUsed)
	}
	if res.CostEstimate == 0 {
		t.Fatalf("expected a nonzero cost estimate")
	}
	if got := res.PerformanceStats[GeneralExpertName]; got.Total != 1 || got.Success != 1 {
		t.Fatalf("tracker not credited: %+v", got)
	}

	stats := orch.Statistics()
	if stats.TotalSelections != 1 || len(stats.RecentHistory) != 1 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
	if stats.RecentHistory[0].Expert != GeneralExpertName {
		t.Fatalf("unexpected history entry: %+v", stats.RecentHistory[0])
	}
}

func TestRunBackupExpertRecovers(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		"document_expert",
		`{"need_tool": false, "answer": "sorry, the uploaded material does not mention that topic anywhere"}`,
		`{"need_tool": false, "answer": "The 2024 annual report lists total revenue of 4.2 billion dollars."}`,
	}}
	orch := newTestOrchestrator(t, coreTestConfig(), llm)

	res := orch.Run(context.Background(), "summarize the uploaded report", "")

	if !res.BackupUsed {
		t.Fatalf("expected the search backup to take over: %+v", res)
	}
	if res.ExpertName != SearchExpertName {
		t.Fatalf("expected %s after backup, got %s", SearchExpertName, res.ExpertName)
	}
	if !res.SuccessEvaluation {
		t.Fatalf("expected the backup answer to pass: %q", res.FinalAnswer)
	}
	if !strings.Contains(res.FinalAnswer, "4.2 billion") {
		t.Fatalf("expected the backup answer, got %q", res.FinalAnswer)
	}
	if res.TokensUsed != 24 {
		t.Fatalf("expected tokens from both runs, got %d", res.TokensUsed)
	}
	if got := res.PerformanceStats["document_expert"]; got.Total != 1 || got.Success != 0 {
		t.Fatalf("primary expert not debited: %+v", got)
	}
	if got := res.PerformanceStats[SearchExpertName]; got.Total != 1 || got.Success != 1 {
		t.Fatalf("backup expert not credited: %+v", got)
	}
}

func TestRunNoBackupForSearchExpert(t *testing.T) {
	llm := &scriptLLM{responses: []string{
		"search_expert",
		`{"need_tool": false, "answer": "sorry, nothing relevant turned up for that query"}`,
	}}
	orch := newTestOrchestrator(t, coreTestConfig(), llm)

	res := orch.Run(context.Background(), "find the latest release notes", "")

	if res.BackupUsed {
		t.Fatalf("the search expert must not back itself up: %+v", res)
	}
	if res.SuccessEvaluation {
		t.Fatalf("expected the answer to fail the quality check: %q", res.FinalAnswer)
	}
	if res.ExpertName != SearchExpertName {
		t.Fatalf("unexpected expert: %s", res.ExpertName)
	}
	if len(llm.prompts) != 2 {
		t.Fatalf("expected classify + one planning call, got %d prompts", len(llm.prompts))
	}
	if got := res.PerformanceStats[SearchExpertName]; got.Total != 1 || got.Success != 0 {
		t.Fatalf("tracker not debited: %+v", got)
	}
}

// blockingLLM fails classification immediately and parks planning calls until
// the run context is cancelled, so the wall-clock budget always fires first.
type blockingLLM struct{}

func (b *blockingLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	return "", fmt.Errorf("classifier offline")
}

func (b *blockingLLM) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	<-ctx.Done()
	time.Sleep(80 * time.Millisecond)
	return "", 0, 0, ctx.Err()
}

func (b *blockingLLM) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	return nil, nil
}

func (b *blockingLLM) GetAvailableModels() []string { return nil }

func (b *blockingLLM) GetModelInfo(model string) (ModelInfo, error) { return ModelInfo{}, nil }

func (b *blockingLLM) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return 0
}

func TestRunTimeout(t *testing.T) {
	cfg := coreTestConfig()
	cfg.Agent.RunTimeout = 30 * time.Millisecond
	orch := newTestOrchestrator(t, cfg, &blockingLLM{})

	res := orch.Run(context.Background(), "hello there", "")

	if !res.Timeout {
		t.Fatalf("expected a timeout result: %+v", res)
	}
	if res.Error {
		t.Fatalf("timeout is not an error result: %+v", res)
	}
	if res.ExpertName != GeneralExpertName {
		t.Fatalf("expected the keyword route to pick %s, got %s", GeneralExpertName, res.ExpertName)
	}
	if res.SuccessEvaluation {
		t.Fatalf("timed-out run must not count as success")
	}
	if !strings.Contains(res.FinalAnswer, "budget") {
		t.Fatalf("unexpected timeout answer: %q", res.FinalAnswer)
	}
	if got := orch.PerformanceSnapshot()[GeneralExpertName]; got.Total != 0 {
		t.Fatalf("timed-out run must not update the tracker: %+v", got)
	}
}

// panicLLM blows up on classification; the run must fold that into an error
// result instead of crashing the process.
type panicLLM struct{ blockingLLM }

func (p *panicLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	panic("llm client corrupted")
}

func TestRunRecoversFromPanic(t *testing.T) {
	orch := newTestOrchestrator(t, coreTestConfig(), &panicLLM{})

	res := orch.Run(context.Background(), "anything at all", "")

	if !res.Error {
		t.Fatalf("expected an error result: %+v", res)
	}
	if !strings.Contains(res.ErrorMessage, "run panicked") {
		t.Fatalf("unexpected error message: %q", res.ErrorMessage)
	}
	if !strings.Contains(res.FinalAnswer, "internal error") {
		t.Fatalf("unexpected answer: %q", res.FinalAnswer)
	}
	if res.SuccessEvaluation {
		t.Fatalf("panic must not count as success")
	}
	if res.ExpertName != "unknown" {
		t.Fatalf("unexpected expert name: %s", res.ExpertName)
	}
}

func TestEvaluateQuality(t *testing.T) {
	cases := []struct {
		name   string
		answer string
		want   bool
	}{
		{"empty", "", false},
		{"too short", "yes", false},
		{"negative english", "sorry, that lookup failed for every source I tried", false},
		{"negative chinese", "无法获取当前的实时天气信息", false},
		{"useful phrase", "建议使用官方安装脚本完成部署", true},
		{"long plain answer", "The capital of Australia is Canberra, and Parliament House sits there.", true},
		{"medium plain answer", "The answer is twelve.", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := evaluateQuality(tc.answer); got != tc.want {
				t.Fatalf("evaluateQuality(%q) = %v, want %v", tc.answer, got, tc.want)
			}
		})
	}
}

func TestSeedPerformanceRestoresCounters(t *testing.T) {
	orch := newTestOrchestrator(t, coreTestConfig(), &scriptLLM{})
	orch.SeedPerformance(SearchExpertName, 7, 10)

	snap := orch.PerformanceSnapshot()
	got := snap[SearchExpertName]
	if got.Total != 10 || got.Success != 7 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if got.Rate < 0.69 || got.Rate > 0.71 {
		t.Fatalf("unexpected rate: %v", got.Rate)
	}
}
