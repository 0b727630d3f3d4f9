package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/telemetry"
	"github.com/mohammad-safakhou/errand/internal/budget"
	"github.com/mohammad-safakhou/errand/internal/tool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var orchestratorTracer trace.Tracer = otel.Tracer("errand/internal/agent/orchestrator")

// Quality heuristic phrase lists. Deliberately coarse: a long answer carrying
// a negative phrase is rejected even when otherwise useful, and a short one
// with a useful phrase passes; the performance tracker absorbs the noise over
// many runs.
var (
	negativePhrases = []string{"无法获取", "没有找到", "不知道", "不清楚", "抱歉", "错误", "could not find", "unknown", "sorry", "error"}
	usefulPhrases   = []string{"是", "可以", "建议", "方法", "步骤", "结果"}
)

// Orchestrator is the top-level entry point: it routes a query to an expert,
// runs that expert's execution loop under a wall-clock budget, scores the
// answer, feeds the verdict back into expert selection and falls back to the
// search expert when the answer looks poor. Run never returns an error;
// every failure mode is folded into the Result.
type Orchestrator struct {
	cfg       *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	experts  *Experts
	selector *ExpertSelector
	loop     *ExecutionLoop
	tracker  *PerformanceTracker
	registry *tool.Registry
	llm      LLMProvider
}

// NewOrchestrator wires the expert roster, selector, tracker and execution
// loop over the given tool registry.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, registry *tool.Registry) (*Orchestrator, error) {
	llm, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	experts, err := DefaultExperts(cfg.Agent)
	if err != nil {
		return nil, fmt.Errorf("failed to build expert roster: %w", err)
	}

	tracker := NewPerformanceTracker(experts.Names())

	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}

	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		experts:   experts,
		selector:  NewExpertSelector(cfg, experts, tracker, llm),
		loop:      NewExecutionLoop(cfg, registry, llm, tel),
		tracker:   tracker,
		registry:  registry,
		llm:       llm,
	}, nil
}

// LLM exposes the orchestrator's underlying LLM provider.
func (o *Orchestrator) LLM() LLMProvider {
	return o.llm
}

// Experts exposes the registered expert roster.
func (o *Orchestrator) Experts() *Experts {
	return o.experts
}

// SeedPerformance restores an expert's counters, typically from persisted
// stats at boot so selection picks up where the last process left off.
func (o *Orchestrator) SeedPerformance(name string, success, total int) {
	o.tracker.Seed(name, success, total)
}

// PerformanceSnapshot returns current per-expert counters.
func (o *Orchestrator) PerformanceSnapshot() map[string]ExpertStats {
	return o.tracker.Snapshot()
}

// Statistics is the expert statistics surface served over the API.
type Statistics struct {
	Performance     map[string]ExpertStats `json:"performance"`
	RecentHistory   []SelectionRecord      `json:"recent_selections"`
	TotalSelections int                    `json:"total_selections"`
}

// Statistics reports per-expert counters plus recent routing history.
func (o *Orchestrator) Statistics() Statistics {
	return Statistics{
		Performance:     o.tracker.Snapshot(),
		RecentHistory:   o.selector.History(10),
		TotalSelections: o.selector.TotalSelections(),
	}
}

// Run executes one query end to end and returns the unified result record.
func (o *Orchestrator) Run(ctx context.Context, query, memoryContext string) Result {
	return o.RunWithBudget(ctx, query, memoryContext, budget.Config{})
}

// RunWithBudget is Run under explicit spend limits; a zero config means
// unlimited. The limits cover the whole run, backup expert included.
func (o *Orchestrator) RunWithBudget(ctx context.Context, query, memoryContext string, limits budget.Config) (res Result) {
	startTime := time.Now()
	var mon *budget.Monitor
	if !limits.IsZero() {
		mon = budget.NewMonitor(limits)
	}
	ctx, span := orchestratorTracer.Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("query.preview", truncateRunes(query, 80))))
	defer span.End()

	runEvent := telemetry.RunEvent{
		ID:        uuid.New().String(),
		Query:     query,
		StartTime: startTime,
	}
	defer func() {
		if r := recover(); r != nil {
			res = errorResult(fmt.Sprintf("run panicked: %v", r), time.Since(startTime))
			span.SetStatus(codes.Error, "panic")
		}
		runEvent.EndTime = time.Now()
		runEvent.Duration = runEvent.EndTime.Sub(runEvent.StartTime)
		runEvent.Expert = res.ExpertName
		runEvent.Success = res.SuccessEvaluation
		runEvent.BackupUsed = res.BackupUsed
		runEvent.Timeout = res.Timeout
		runEvent.Error = res.ErrorMessage
		runEvent.Cost = res.CostEstimate
		runEvent.TokensUsed = res.TokensUsed
		if o.telemetry != nil {
			o.telemetry.RecordRunEvent(ctx, runEvent)
		}
	}()

	expertName := o.selector.Select(ctx, query)
	expert, ok := o.experts.Get(expertName)
	if !ok {
		span.SetStatus(codes.Error, "unknown expert")
		return errorResult(fmt.Sprintf("selected unknown expert %q", expertName), time.Since(startTime))
	}
	o.logger.Printf("expert selected: %s - %s", expert.Name, expert.Description)
	span.SetAttributes(attribute.String("expert.name", expert.Name))

	exec, timedOut := o.runExpert(ctx, expert, query, memoryContext, mon)
	if timedOut {
		// neither credit nor debit the expert for a run we cut short
		span.SetStatus(codes.Error, "timeout")
		return Result{
			FinalAnswer:       fmt.Sprintf("processing exceeded the %s budget; simplify the request or retry later", o.runBudget()),
			ExpertName:        expert.Name,
			ExpertDescription: expert.Description,
			LLMThoughts:       []string{"processing timed out"},
			SuccessEvaluation: false,
			PerformanceStats:  o.tracker.Snapshot(),
			Timeout:           true,
			ProcessingTime:    time.Since(startTime),
		}
	}

	success := evaluateQuality(exec.FinalAnswer)
	o.tracker.Update(expert.Name, success)

	res = Result{
		FinalAnswer:       exec.FinalAnswer,
		ExpertName:        expert.Name,
		ExpertDescription: expert.Description,
		LLMThoughts:       exec.LLMThoughts,
		ToolLogs:          exec.ToolLogs,
		Plan:              exec.Plan,
		SuccessEvaluation: success,
		PerformanceStats:  o.tracker.Snapshot(),
		ProcessingTime:    time.Since(startTime),
		TokensUsed:        exec.TokensUsed,
		CostEstimate:      exec.CostEstimate,
	}

	if !success && expert.Name != SearchExpertName {
		if backup, ok := o.experts.Get(SearchExpertName); ok {
			o.logger.Printf("answer failed the quality check, trying %s as backup", backup.Name)
			bexec, btimedOut := o.runExpert(ctx, backup, query, memoryContext, mon)
			if !btimedOut {
				bsuccess := evaluateQuality(bexec.FinalAnswer)
				o.tracker.Update(backup.Name, bsuccess)
				res.TokensUsed += bexec.TokensUsed
				res.CostEstimate += bexec.CostEstimate
				if bsuccess {
					res.FinalAnswer = bexec.FinalAnswer
					res.ExpertName = backup.Name
					res.ExpertDescription = backup.Description
					res.LLMThoughts = bexec.LLMThoughts
					res.ToolLogs = bexec.ToolLogs
					res.Plan = bexec.Plan
					res.SuccessEvaluation = true
					res.BackupUsed = true
				}
				res.PerformanceStats = o.tracker.Snapshot()
				res.ProcessingTime = time.Since(startTime)
			}
		}
	}

	span.SetAttributes(
		attribute.Bool("run.success", res.SuccessEvaluation),
		attribute.Bool("run.backup_used", res.BackupUsed),
		attribute.Int64("run.tokens", res.TokensUsed),
		attribute.Float64("run.cost_usd", res.CostEstimate),
	)
	if res.SuccessEvaluation {
		span.SetStatus(codes.Ok, "completed")
	}
	return res
}

// runExpert executes the expert's loop under the configured wall-clock
// budget. On timeout the loop goroutine is abandoned to wind down on its own
// (its context is cancelled, so pending LLM and tool calls fail fast) and the
// partial result is discarded.
func (o *Orchestrator) runExpert(ctx context.Context, expert Expert, query, memoryContext string, mon *budget.Monitor) (ExecutionResult, bool) {
	runCtx, cancel := context.WithTimeout(ctx, o.runBudget())
	defer cancel()

	done := make(chan ExecutionResult, 1)
	start := time.Now()
	go func() {
		done <- o.loop.ExecuteWithBudget(runCtx, expert, query, memoryContext, mon)
	}()

	select {
	case exec := <-done:
		if o.telemetry != nil {
			o.telemetry.RecordExpertEvent(ctx, telemetry.ExpertEvent{
				Expert:     expert.Name,
				Model:      o.cfg.LLM.Routing.Planning,
				Duration:   time.Since(start),
				Success:    evaluateQuality(exec.FinalAnswer),
				Rounds:     exec.Rounds,
				Cost:       exec.CostEstimate,
				TokensUsed: exec.TokensUsed,
			})
		}
		return exec, false
	case <-runCtx.Done():
		o.logger.Printf("expert %s exceeded the %s budget", expert.Name, o.runBudget())
		return ExecutionResult{}, true
	}
}

func (o *Orchestrator) runBudget() time.Duration {
	if o.cfg != nil && o.cfg.Agent.RunTimeout > 0 {
		return o.cfg.Agent.RunTimeout
	}
	return 5 * time.Minute
}

// evaluateQuality scores an answer for the tracker and the backup rule:
// reject empty, very short or negative-phrased answers; accept answers
// carrying a useful phrase or enough length.
func evaluateQuality(answer string) bool {
	trimmed := strings.TrimSpace(answer)
	if len([]rune(trimmed)) < 10 {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range negativePhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	for _, phrase := range usefulPhrases {
		if strings.Contains(trimmed, phrase) {
			return true
		}
	}
	return len([]rune(trimmed)) > 30
}

// errorResult is the catch-all terminal record: error=true, a descriptive
// message and zeroed performance stats.
func errorResult(msg string, elapsed time.Duration) Result {
	return Result{
		FinalAnswer:       "the system hit an internal error: " + msg,
		ExpertName:        "unknown",
		ExpertDescription: "unknown expert",
		LLMThoughts:       []string{msg},
		SuccessEvaluation: false,
		PerformanceStats:  map[string]ExpertStats{},
		Error:             true,
		ErrorMessage:      msg,
		ProcessingTime:    elapsed,
	}
}
