package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/telemetry"
	"github.com/mohammad-safakhou/errand/internal/budget"
	"github.com/mohammad-safakhou/errand/internal/tool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var loopTracer trace.Tracer = otel.Tracer("errand/internal/agent/loop")

// maxDownloadAttempts caps how many candidate image URLs a single download
// step substitutes before the round gives up on it.
const maxDownloadAttempts = 3

// Keyword lists backing the task-completion heuristic: a best-effort
// substring match over the lowercased request, not a correctness guarantee.
var (
	imageryKeywords = []string{"图片", "照片", "image", "picture"}
	searchKeywords  = []string{"搜索", "查找", "search", "find"}
)

// ExecutionLoop drives one expert through repeated plan→dispatch→observe
// rounds for a single query. Derived state (extracted URLs, tried URLs,
// failed tools, the trace) lives in a LoopState owned by the Execute call, so
// concurrent queries never share anything.
type ExecutionLoop struct {
	cfg       config.AgentConfig
	registry  *tool.Registry
	planner   *Planner
	llm       LLMProvider
	model     string
	logger    *log.Logger
	telemetry *telemetry.Telemetry
}

// NewExecutionLoop builds a loop over the given registry, with planning and
// synthesis bound to the configured model routing.
func NewExecutionLoop(cfg *config.Config, registry *tool.Registry, llm LLMProvider, tel *telemetry.Telemetry) *ExecutionLoop {
	return &ExecutionLoop{
		cfg:       cfg.Agent,
		registry:  registry,
		planner:   NewPlanner(cfg, llm),
		llm:       llm,
		model:     cfg.LLM.Routing.Synthesis,
		logger:    log.New(log.Writer(), "[LOOP] ", log.LstdFlags),
		telemetry: tel,
	}
}

// Execute runs the expert against the query until it answers directly, makes
// no forward progress, satisfies the completion heuristic, or exhausts its
// round budget. It never returns an empty answer: when no round produced a
// direct answer the trace is synthesized into one, and when even that fails
// the structured digest itself is the answer.
func (l *ExecutionLoop) Execute(ctx context.Context, expert Expert, query, memoryContext string) ExecutionResult {
	return l.ExecuteWithBudget(ctx, expert, query, memoryContext, nil)
}

// ExecuteWithBudget is Execute with an optional spend monitor. A nil monitor
// means unlimited. When the monitor reports a breach the loop stops planning
// further rounds and goes straight to synthesis, so the caller still gets an
// answer grounded in whatever the trace holds.
func (l *ExecutionLoop) ExecuteWithBudget(ctx context.Context, expert Expert, query, memoryContext string, mon *budget.Monitor) ExecutionResult {
	state := NewLoopState()
	var (
		thoughts       []string
		firstPlan      []PlanStep
		usage          Usage
		answer         string
		answerThoughts string
	)

	maxRounds := expert.MaxRounds
	if maxRounds <= 0 {
		maxRounds = l.cfg.MaxRounds
	}
	catalog := l.catalogFor(expert)

	for state.RoundNum < maxRounds && ctx.Err() == nil {
		if mon != nil && mon.Exceeded() {
			l.logger.Printf("spend budget exhausted, stopping planning after round %d", state.RoundNum)
			break
		}
		state.RoundNum++
		roundCtx, span := loopTracer.Start(ctx, "loop.round", trace.WithAttributes(
			attribute.String("expert.name", expert.Name),
			attribute.Int("loop.round", state.RoundNum),
		))

		dec, u := l.planner.Decide(roundCtx, expert, query, memoryContext, state.ToolLogs, catalog)
		usage.Add(u)
		if mon != nil {
			if err := mon.Add(u.Cost, u.Tokens); err != nil {
				l.logger.Printf("round %d: %v", state.RoundNum, err)
			}
		}
		if dec.Rationale != "" {
			thoughts = append(thoughts, fmt.Sprintf("第%d轮思考: %s", state.RoundNum, dec.Rationale))
		}

		if !dec.NeedTool {
			answer = dec.Answer
			answerThoughts = dec.Rationale
			span.AddEvent("direct_answer")
			span.End()
			break
		}
		if state.RoundNum == 1 {
			firstPlan = append(firstPlan, dec.Steps...)
		}

		calls, succeeded := l.runRound(roundCtx, dec.Steps, state)
		span.SetAttributes(
			attribute.Int("loop.calls", calls),
			attribute.Bool("loop.round_success", succeeded),
		)
		span.End()

		if calls == 0 {
			// nothing dispatched: no forward progress is possible
			l.logger.Printf("round %d dispatched no tools, stopping", state.RoundNum)
			break
		}
		if succeeded && taskSatisfied(query, state.ToolLogs) {
			l.logger.Printf("task satisfied after round %d, stopping early", state.RoundNum)
			break
		}
	}

	if strings.TrimSpace(answer) == "" {
		before := usage
		answer, answerThoughts = l.synthesize(ctx, query, memoryContext, state, thoughts, &usage)
		if mon != nil {
			_ = mon.Add(usage.Cost-before.Cost, usage.Tokens-before.Tokens)
		}
	}

	return ExecutionResult{
		FinalAnswer:   answer,
		FinalThoughts: answerThoughts,
		LLMThoughts:   thoughts,
		Plan:          firstPlan,
		ToolLogs:      state.ToolLogs,
		Rounds:        state.RoundNum,
		TokensUsed:    usage.Tokens,
		CostEstimate:  usage.Cost,
	}
}

// catalogFor renders the tool descriptions an expert's planning prompt may
// use: its curated subset, or the whole registry when it has none.
func (l *ExecutionLoop) catalogFor(expert Expert) string {
	if len(expert.Tools) == 0 {
		return l.registry.Describe()
	}
	return l.registry.Describe(expert.Tools...)
}

// runRound dispatches the round's steps in order. calls counts actual tool
// invocations (substitutions included; skipped or unresolved steps do not
// count), succeeded reports whether any entry appended this round succeeded.
func (l *ExecutionLoop) runRound(ctx context.Context, steps []PlanStep, state *LoopState) (calls int, succeeded bool) {
	start := len(state.ToolLogs)
	for _, step := range steps {
		if ctx.Err() != nil {
			break
		}
		if state.Dispatched[dispatchKey(step.Tool, step.Input)] {
			state.appendEntry(step.Tool, step.Input, "[skipped] identical tool call already executed", 0)
			continue
		}
		t, ok := l.registry.Get(step.Tool)
		if !ok {
			state.appendEntry(step.Tool, step.Input, fmt.Sprintf("[error] tool %q not found", step.Tool), 0)
			l.logger.Printf("planner referenced unknown tool %q", step.Tool)
			continue
		}
		switch {
		case isSearchTool(step.Tool):
			calls += l.dispatchSearch(ctx, t, step, state)
		case isDownloadTool(step.Tool):
			calls += l.dispatchDownload(ctx, t, step, state)
		case isScreenshotTool(step.Tool):
			calls += l.dispatchScreenshot(ctx, t, step, state)
		default:
			l.invoke(ctx, t, step.Tool, step.Input, state)
			calls++
		}
	}
	for _, entry := range state.ToolLogs[start:] {
		if entry.Status == StatusSuccess {
			succeeded = true
			break
		}
	}
	return calls, succeeded
}

// dispatchSearch runs a search step and, on success, harvests candidate URLs
// from the structured results for later download/screenshot substitution.
func (l *ExecutionLoop) dispatchSearch(ctx context.Context, t tool.Tool, step PlanStep, state *LoopState) int {
	entry := l.invoke(ctx, t, step.Tool, step.Input, state)
	if entry.Status == StatusSuccess {
		fresh := extractURLs(entry.Output, state.TriedURLs)
		state.ExtractedURLs = mergeURLs(state.ExtractedURLs, fresh)
		l.logger.Printf("search succeeded, %d candidate urls on hand", len(state.ExtractedURLs))
	}
	return 1
}

// dispatchDownload runs a download step. A concrete untried URL in the
// planned input is honored as written; otherwise (or after it fails) the loop
// substitutes image-like candidates extracted from earlier searches, up to
// maxDownloadAttempts, stopping at the first success. When every attempt
// fails and a screenshot tool is available and not yet failed, one capture of
// the first untried extracted URL stands in as the substitute success path.
func (l *ExecutionLoop) dispatchDownload(ctx context.Context, t tool.Tool, step PlanStep, state *LoopState) int {
	calls := 0
	succeeded := false

	if u := usableInputURL(step.Input, state); u != "" {
		state.TriedURLs[u] = true
		entry := l.invoke(ctx, t, step.Tool, step.Input, state)
		calls++
		succeeded = entry.Status == StatusSuccess
	}

	if !succeeded {
		for _, u := range pickUntried(state.ExtractedURLs, state.TriedURLs, true, maxDownloadAttempts) {
			if ctx.Err() != nil {
				break
			}
			state.TriedURLs[u] = true
			entry := l.invoke(ctx, t, step.Tool, fmt.Sprintf("url=%q", u), state)
			calls++
			if entry.Status == StatusSuccess {
				succeeded = true
				break
			}
		}
	}
	if succeeded {
		return calls
	}

	if calls == 0 {
		state.appendEntry(step.Tool, step.Input, "[error] no image urls collected yet; run web_search first", 0)
		state.FailedTools[step.Tool] = true
	}

	shot, shotName, ok := l.lookupKind(isScreenshotTool)
	if !ok || state.FailedTools[shotName] {
		return calls
	}
	u, ok := firstUntried(state.ExtractedURLs, state.TriedURLs)
	if !ok {
		return calls
	}
	state.TriedURLs[u] = true
	entry := l.invoke(ctx, shot, shotName, fmt.Sprintf("url=%q", u), state)
	calls++
	if entry.Status == StatusSuccess {
		delete(state.FailedTools, step.Tool)
		l.logger.Printf("download substituted by %s on %s", shotName, u)
	}
	return calls
}

// dispatchScreenshot runs a screenshot step. With extracted URLs on hand it
// prefers the first untried webpage (non-image) URL over whatever the planner
// wrote; on failure a download of the same URL stands in, symmetric to the
// download substitution. Without extracted URLs the step runs as planned.
func (l *ExecutionLoop) dispatchScreenshot(ctx context.Context, t tool.Tool, step PlanStep, state *LoopState) int {
	if len(state.ExtractedURLs) == 0 {
		if u := urlPattern.FindString(step.Input); u != "" {
			state.TriedURLs[u] = true
		}
		l.invoke(ctx, t, step.Tool, step.Input, state)
		return 1
	}

	pages := pickUntried(state.ExtractedURLs, state.TriedURLs, false, 1)
	if len(pages) == 0 {
		state.appendEntry(step.Tool, step.Input, "[error] no untried webpage urls to capture", 0)
		state.FailedTools[step.Tool] = true
		return 0
	}

	u := pages[0]
	state.TriedURLs[u] = true
	input := fmt.Sprintf("url=%q", u)
	entry := l.invoke(ctx, t, step.Tool, input, state)
	calls := 1
	if entry.Status == StatusSuccess {
		return calls
	}

	dl, dlName, ok := l.lookupKind(isDownloadTool)
	if !ok || state.FailedTools[dlName] {
		return calls
	}
	sub := l.invoke(ctx, dl, dlName, input, state)
	calls++
	if sub.Status == StatusSuccess {
		delete(state.FailedTools, step.Tool)
		l.logger.Printf("screenshot substituted by %s on %s", dlName, u)
	}
	return calls
}

// invoke runs one tool call, absorbing errors and panics into the trace
// entry, marking the (tool, input) pair dispatched and the tool failed on a
// non-success outcome.
func (l *ExecutionLoop) invoke(ctx context.Context, t tool.Tool, name, input string, state *LoopState) ToolLogEntry {
	ctx, span := loopTracer.Start(ctx, "tool.dispatch", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.Int("loop.round", state.RoundNum),
	))
	defer span.End()

	start := time.Now()
	raw := callTool(ctx, t, input)
	state.Dispatched[dispatchKey(name, input)] = true
	entry := state.appendEntry(name, input, raw, time.Since(start))

	span.SetAttributes(attribute.String("tool.status", string(entry.Status)))
	if entry.Status != StatusSuccess {
		state.FailedTools[name] = true
		if entry.Status == StatusFailed {
			span.SetStatus(codes.Error, "tool failed")
		}
	}
	if l.telemetry != nil {
		l.telemetry.RecordToolEvent(ctx, telemetry.ToolEvent{
			Tool:     name,
			Duration: entry.Elapsed,
			Success:  entry.Status == StatusSuccess,
		})
	}
	return entry
}

// callTool shields the loop from tool errors and panics; both become
// exception-marker result-strings the interpreter classifies as failed.
func callTool(ctx context.Context, t tool.Tool, input string) (raw string) {
	defer func() {
		if r := recover(); r != nil {
			raw = fmt.Sprintf("[panic] %v", r)
		}
	}()
	out, err := t.Call(ctx, input)
	if err != nil {
		return fmt.Sprintf("[exception] %v", err)
	}
	return out
}

// appendEntry records one trace entry, deriving its status via Interpret.
func (s *LoopState) appendEntry(toolName, input, raw string, elapsed time.Duration) ToolLogEntry {
	entry := ToolLogEntry{
		Step:    s.NextStep(),
		Tool:    toolName,
		Input:   input,
		Output:  raw,
		Status:  Interpret(raw).Status,
		Round:   s.RoundNum,
		Elapsed: elapsed,
	}
	s.ToolLogs = append(s.ToolLogs, entry)
	return entry
}

// lookupKind finds the first registered tool whose name satisfies match.
func (l *ExecutionLoop) lookupKind(match func(string) bool) (tool.Tool, string, bool) {
	for _, name := range l.registry.Names() {
		if match(name) {
			t, _ := l.registry.Get(name)
			return t, name, true
		}
	}
	return nil, "", false
}

// usableInputURL returns the URL embedded in a planned input when it is
// concrete, not a placeholder and not yet tried.
func usableInputURL(input string, state *LoopState) string {
	u := urlPattern.FindString(input)
	if u == "" || len(u) <= 10 || isPlaceholderURL(u) || state.TriedURLs[u] {
		return ""
	}
	return u
}

func dispatchKey(toolName, input string) string { return toolName + "\x00" + input }

func isSearchTool(name string) bool     { return strings.Contains(name, "search") }
func isDownloadTool(name string) bool   { return strings.Contains(name, "download") }
func isScreenshotTool(name string) bool { return strings.Contains(name, "screenshot") }

// taskSatisfied is the best-effort completion check: imagery requests need a
// fetched image or captured page, search requests need a successful search,
// anything else is satisfied by any successful call. It only gates early
// termination; synthesis must cope whether it fires or not.
func taskSatisfied(query string, logs []ToolLogEntry) bool {
	lower := strings.ToLower(query)
	switch {
	case containsAny(lower, imageryKeywords):
		return anyToolSucceeded(logs, func(name string) bool {
			return isDownloadTool(name) || isScreenshotTool(name)
		})
	case containsAny(lower, searchKeywords):
		return anyToolSucceeded(logs, isSearchTool)
	default:
		return anyToolSucceeded(logs, func(string) bool { return true })
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func anyToolSucceeded(logs []ToolLogEntry, match func(string) bool) bool {
	for _, entry := range logs {
		if entry.Status == StatusSuccess && match(entry.Tool) {
			return true
		}
	}
	return false
}

// synthesize produces the final answer from the full tool trace when no round
// answered directly. If the synthesis call itself fails or does not parse,
// the structured digest is returned as the answer.
func (l *ExecutionLoop) synthesize(ctx context.Context, query, memoryContext string, state *LoopState, thoughts []string, usage *Usage) (string, string) {
	digest := outcomeDigest(state.ToolLogs, maxOutcomeMessage)
	if strings.TrimSpace(digest) == "" {
		digest = "no tools were executed for this request"
	}

	var b strings.Builder
	b.WriteString("User request: ")
	b.WriteString(query)
	b.WriteString("\n")
	if memoryContext != "" {
		b.WriteString(memoryContext)
		b.WriteString("\n")
	}
	b.WriteString("\n【工具执行结果】\n")
	b.WriteString(digest)
	b.WriteString("\nProduce the final response from the results above, respecting their success and failure states:\n")
	b.WriteString("1) final_answer: the user-facing answer grounded in what was actually retrieved; never invent information.\n")
	b.WriteString("2) final_thoughts: a short account of the tool outcomes and your reasoning.\n")
	b.WriteString("When tools failed, say plainly what failed and offer an alternative.\n")
	b.WriteString(`Respond with STRICT JSON only: {"final_answer":"...","final_thoughts":"..."}`)
	b.WriteString("\n")

	resp, in, out, err := l.llm.GenerateWithTokens(ctx, b.String(), l.model, map[string]interface{}{
		"temperature": 0.3,
		"max_tokens":  2000,
	})
	usage.Tokens += in + out
	usage.Cost += l.llm.CalculateCost(in, out, l.model)
	if err != nil {
		l.logger.Printf("synthesis call failed: %v", err)
		return digest, strings.Join(thoughts, "\n")
	}

	var wire struct {
		FinalAnswer   string `json:"final_answer"`
		FinalThoughts string `json:"final_thoughts"`
	}
	if perr := unmarshalLLMJSON(resp, &wire); perr != nil || strings.TrimSpace(wire.FinalAnswer) == "" {
		l.logger.Printf("synthesis output unusable, answering with the digest")
		return digest, strings.Join(thoughts, "\n")
	}
	return wire.FinalAnswer, wire.FinalThoughts
}
