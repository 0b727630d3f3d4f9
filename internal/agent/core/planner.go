package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/errand/config"
)

// Usage accumulates LLM token and cost spend across one execution.
type Usage struct {
	Tokens int64
	Cost   float64
}

// Add merges another usage sample into the accumulator.
func (u *Usage) Add(other Usage) {
	u.Tokens += other.Tokens
	u.Cost += other.Cost
}

// Planner decides, once per round, whether the expert should run tools or
// answer directly. Parse failures are retried with a short backoff and
// finally resolved by a deterministic fallback plan, so Decide always hands
// the loop something executable.
type Planner struct {
	cfg    config.AgentConfig
	llm    LLMProvider
	model  string
	logger *log.Logger
}

// NewPlanner creates a planner bound to the configured planning model.
func NewPlanner(cfg *config.Config, llm LLMProvider) *Planner {
	return &Planner{
		cfg:    cfg.Agent,
		llm:    llm,
		model:  cfg.LLM.Routing.Planning,
		logger: log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Decide produces the Decision for the current round.
func (p *Planner) Decide(ctx context.Context, expert Expert, query, memoryContext string, logs []ToolLogEntry, toolCatalog string) (Decision, Usage) {
	prompt := p.buildPrompt(expert, query, memoryContext, logs, toolCatalog)

	var usage Usage
	attempts := p.cfg.PlanRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				p.logger.Printf("planning cancelled: %v", ctx.Err())
				return fallbackDecision(expert, query), usage
			case <-time.After(p.cfg.PlanRetryBackoff):
			}
		}

		resp, in, out, err := p.llm.GenerateWithTokens(ctx, prompt, p.model, map[string]interface{}{
			"temperature": 0.3,
			"max_tokens":  2000,
		})
		usage.Tokens += in + out
		usage.Cost += p.llm.CalculateCost(in, out, p.model)
		if err != nil {
			p.logger.Printf("planning attempt %d/%d failed: %v", attempt, attempts, err)
			continue
		}

		dec, perr := parseDecision(resp)
		if perr != nil {
			p.logger.Printf("planning attempt %d/%d returned unusable output: %v", attempt, attempts, perr)
			continue
		}
		return dec, usage
	}

	p.logger.Printf("planning exhausted %d attempts, falling back to default plan", attempts)
	return fallbackDecision(expert, query), usage
}

func (p *Planner) buildPrompt(expert Expert, query, memoryContext string, logs []ToolLogEntry, toolCatalog string) string {
	var b strings.Builder
	b.WriteString(expert.Preamble)
	b.WriteString("\n\nUser request: ")
	b.WriteString(query)
	b.WriteString("\n")

	if memoryContext != "" {
		b.WriteString("\n")
		b.WriteString(memoryContext)
		b.WriteString("\n")
	}

	if len(logs) > 0 {
		recent := logs
		if p.cfg.HistoryLimit > 0 && len(recent) > p.cfg.HistoryLimit {
			recent = recent[len(recent)-p.cfg.HistoryLimit:]
		}
		b.WriteString("\n【之前的工具执行结果】\n")
		b.WriteString(outcomeDigest(recent, 200))
		b.WriteString("\nGuidance:\n")
		b.WriteString("1. Check each prior step's status (success/failed/unknown) before planning more work.\n")
		b.WriteString("2. When a tool failed, change strategy based on the failure message and its suggestions.\n")
		b.WriteString("3. Never repeat a tool call with an input that already ran.\n")
	}

	b.WriteString("\nAvailable tools:\n")
	b.WriteString(toolCatalog)
	b.WriteString("\n\nRespond with STRICT JSON only, no extra text.\n")
	b.WriteString("To run tools:\n")
	b.WriteString(`{"need_tool": true, "steps": [{"tool": "tool_name", "input": "tool_input"}], "rationale": "short reasoning"}`)
	b.WriteString("\nTo answer directly:\n")
	b.WriteString(`{"need_tool": false, "answer": "final answer", "rationale": "short reasoning"}`)
	b.WriteString("\n")
	return b.String()
}

// parseDecision decodes the planner's JSON verdict. It tolerates the common
// key drift seen from smaller models ("plan" for steps, "thoughts" for
// rationale, "final_answer" for answer) and rewrites step inputs into the
// documented conventions.
func parseDecision(raw string) (Decision, error) {
	var wire struct {
		NeedTool    *bool      `json:"need_tool"`
		Steps       []PlanStep `json:"steps"`
		Plan        []PlanStep `json:"plan"`
		Answer      string     `json:"answer"`
		FinalAnswer string     `json:"final_answer"`
		Rationale   string     `json:"rationale"`
		Thoughts    string     `json:"thoughts"`
	}
	if err := unmarshalLLMJSON(raw, &wire); err != nil {
		return Decision{}, err
	}
	if wire.NeedTool == nil {
		return Decision{}, fmt.Errorf("decision missing need_tool")
	}

	dec := Decision{NeedTool: *wire.NeedTool, Rationale: wire.Rationale}
	if dec.Rationale == "" {
		dec.Rationale = wire.Thoughts
	}

	if dec.NeedTool {
		steps := wire.Steps
		if len(steps) == 0 {
			steps = wire.Plan
		}
		for _, s := range steps {
			if strings.TrimSpace(s.Tool) == "" {
				continue
			}
			dec.Steps = append(dec.Steps, autoCorrectStep(s))
		}
		// zero steps is a valid verdict: the loop treats it as "no tools
		// executed this round" and stops
		return dec, nil
	}

	dec.Answer = wire.Answer
	if dec.Answer == "" {
		dec.Answer = wire.FinalAnswer
	}
	if strings.TrimSpace(dec.Answer) == "" {
		return Decision{}, fmt.Errorf("decision answers directly but the answer is empty")
	}
	return dec, nil
}

// fallbackDecision is the deterministic single-step plan used when planning
// output never parses, so the loop still makes forward progress.
func fallbackDecision(expert Expert, query string) Decision {
	tool := expert.FallbackTool
	if tool == "" {
		tool = "web_search"
	}
	return Decision{
		NeedTool:  true,
		Steps:     []PlanStep{autoCorrectStep(PlanStep{Tool: tool, Input: query})},
		Rationale: "parse failure, defaulting to search",
	}
}

// outcomeDigest renders executed steps the way planning and synthesis prompts
// consume them, one line per step with status, truncated message and any
// suggestions the tool offered.
func outcomeDigest(logs []ToolLogEntry, maxMessage int) string {
	var b strings.Builder
	for _, entry := range logs {
		out := Interpret(entry.Output)
		fmt.Fprintf(&b, "第%d步 - %s: 状态=%s, 结果=%s", entry.Step, entry.Tool, out.Status, truncateRunes(out.Message, maxMessage))
		if len(out.Suggestions) > 0 {
			fmt.Fprintf(&b, ", 建议=%s", strings.Join(out.Suggestions, "; "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
