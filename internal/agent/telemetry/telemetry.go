package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/errand/config"
)

// Telemetry aggregates run, expert and tool execution events into in-process
// metrics and cost tracking, with optional periodic log reports.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds the running counters and averages.
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	TimedOutRuns   int64
	AverageRunTime time.Duration

	// Expert metrics
	ExpertExecutions   map[string]int64
	ExpertSuccessRates map[string]float64
	ExpertAverageTimes map[string]time.Duration

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Tool metrics
	ToolCalls        map[string]int64
	ToolSuccessRates map[string]float64
	ToolAverageTimes map[string]time.Duration
}

// CostTracker tracks LLM spend across models and experts.
type CostTracker struct {
	ModelCosts  map[string]float64
	ExpertCosts map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// RunEvent is one orchestrated run from query to result.
type RunEvent struct {
	ID         string
	Query      string
	Expert     string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	BackupUsed bool
	Timeout    bool
	Error      string
	Cost       float64
	TokensUsed int64
}

// ExpertEvent is one expert's execution loop pass.
type ExpertEvent struct {
	Expert     string
	Model      string
	Duration   time.Duration
	Success    bool
	Rounds     int
	Cost       float64
	TokensUsed int64
}

// ToolEvent is a single tool dispatch.
type ToolEvent struct {
	Tool     string
	Duration time.Duration
	Success  bool
}

// NewTelemetry creates a telemetry instance; periodic background reports run
// only when enabled in config.
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			ExpertExecutions:   make(map[string]int64),
			ExpertSuccessRates: make(map[string]float64),
			ExpertAverageTimes: make(map[string]time.Duration),
			LLMRequests:        make(map[string]int64),
			LLMTokensUsed:      make(map[string]int64),
			ToolCalls:          make(map[string]int64),
			ToolSuccessRates:   make(map[string]float64),
			ToolAverageTimes:   make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			ModelCosts:  make(map[string]float64),
			ExpertCosts: make(map[string]float64),
		},
	}

	if config.Enabled && config.PeriodicLogs {
		go t.startMetricsCollection()
		go t.startCostReporting()
	}

	return t
}

// RecordRunEvent records a completed orchestrated run.
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	switch {
	case event.Timeout:
		t.metrics.TimedOutRuns++
	case event.Success:
		t.metrics.SuccessfulRuns++
	default:
		t.metrics.FailedRuns++
	}

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed
	if event.Expert != "" {
		t.costTracker.ExpertCosts[event.Expert] += event.Cost
	}

	t.logger.Printf("Run Event: ID=%s, Expert=%s, Success=%t, Timeout=%t, Duration=%v, Cost=$%.4f, Tokens=%d",
		event.ID, event.Expert, event.Success, event.Timeout, event.Duration, event.Cost, event.TokensUsed)
}

// RecordExpertEvent records one expert execution.
func (t *Telemetry) RecordExpertEvent(ctx context.Context, event ExpertEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ExpertExecutions[event.Expert]++
	executions := t.metrics.ExpertExecutions[event.Expert]

	success := t.metrics.ExpertSuccessRates[event.Expert] * float64(executions-1)
	if event.Success {
		success += 1.0
	}
	t.metrics.ExpertSuccessRates[event.Expert] = success / float64(executions)

	if executions == 1 {
		t.metrics.ExpertAverageTimes[event.Expert] = event.Duration
	} else {
		total := t.metrics.ExpertAverageTimes[event.Expert] * time.Duration(executions-1)
		t.metrics.ExpertAverageTimes[event.Expert] = (total + event.Duration) / time.Duration(executions)
	}

	if event.Model != "" {
		t.metrics.LLMRequests[event.Model]++
		t.metrics.LLMTokensUsed[event.Model] += event.TokensUsed
		t.costTracker.ModelCosts[event.Model] += event.Cost
	}

	t.logger.Printf("Expert Event: Expert=%s, Success=%t, Rounds=%d, Duration=%v, Cost=$%.4f",
		event.Expert, event.Success, event.Rounds, event.Duration, event.Cost)
}

// RecordToolEvent records a single tool dispatch.
func (t *Telemetry) RecordToolEvent(ctx context.Context, event ToolEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ToolCalls[event.Tool]++
	calls := t.metrics.ToolCalls[event.Tool]

	success := t.metrics.ToolSuccessRates[event.Tool] * float64(calls-1)
	if event.Success {
		success += 1.0
	}
	t.metrics.ToolSuccessRates[event.Tool] = success / float64(calls)

	if calls == 1 {
		t.metrics.ToolAverageTimes[event.Tool] = event.Duration
	} else {
		total := t.metrics.ToolAverageTimes[event.Tool] * time.Duration(calls-1)
		t.metrics.ToolAverageTimes[event.Tool] = (total + event.Duration) / time.Duration(calls)
	}
}

// GetMetrics returns a deep copy of the current metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.ExpertExecutions = make(map[string]int64)
	metrics.ExpertSuccessRates = make(map[string]float64)
	metrics.ExpertAverageTimes = make(map[string]time.Duration)
	metrics.LLMRequests = make(map[string]int64)
	metrics.LLMTokensUsed = make(map[string]int64)
	metrics.ToolCalls = make(map[string]int64)
	metrics.ToolSuccessRates = make(map[string]float64)
	metrics.ToolAverageTimes = make(map[string]time.Duration)

	for k, v := range t.metrics.ExpertExecutions {
		metrics.ExpertExecutions[k] = v
	}
	for k, v := range t.metrics.ExpertSuccessRates {
		metrics.ExpertSuccessRates[k] = v
	}
	for k, v := range t.metrics.ExpertAverageTimes {
		metrics.ExpertAverageTimes[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		metrics.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		metrics.LLMTokensUsed[k] = v
	}
	for k, v := range t.metrics.ToolCalls {
		metrics.ToolCalls[k] = v
	}
	for k, v := range t.metrics.ToolSuccessRates {
		metrics.ToolSuccessRates[k] = v
	}
	for k, v := range t.metrics.ToolAverageTimes {
		metrics.ToolAverageTimes[k] = v
	}

	return metrics
}

// CostSummary is a snapshot of accumulated spend.
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	ModelCosts  map[string]float64
	ExpertCosts map[string]float64
}

// GetCostSummary returns a snapshot of the cost tracker.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  make(map[string]float64),
		ExpertCosts: make(map[string]float64),
	}
	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.ExpertCosts {
		summary.ExpertCosts[k] = v
	}
	return summary
}

func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Runs=%d/%d, Timeouts=%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SuccessfulRuns, metrics.TotalRuns, metrics.TimedOutRuns,
			metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
	}
}

func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()

		t.logger.Printf("Cost Report: Total=$%.4f, Tokens=%d", costs.TotalCost, costs.TotalTokens)
		for model, cost := range costs.ModelCosts {
			t.logger.Printf("  Model %s: $%.4f", model, cost)
		}
		for expert, cost := range costs.ExpertCosts {
			t.logger.Printf("  Expert %s: $%.4f", expert, cost)
		}
	}
}

// Shutdown logs a final report.
func (t *Telemetry) Shutdown() {
	t.logger.Println("Shutting down telemetry...")

	metrics := t.GetMetrics()
	costs := t.GetCostSummary()
	if metrics.TotalRuns == 0 {
		return
	}

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Runs: %d", metrics.TotalRuns)
	t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SuccessfulRuns)/float64(metrics.TotalRuns)*100)
	t.logger.Printf("  Average Run Time: %v", metrics.AverageRunTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

// GetPerformanceReport renders a human-readable report of everything tracked.
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()
	if metrics.TotalRuns == 0 {
		return "no runs recorded yet"
	}

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Overall:
  Total Runs: %d
  Successful: %d (%.2f%%)
  Failed: %d
  Timed Out: %d
  Average Run Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

Expert Performance:
`, metrics.TotalRuns, metrics.SuccessfulRuns,
		float64(metrics.SuccessfulRuns)/float64(metrics.TotalRuns)*100,
		metrics.FailedRuns, metrics.TimedOutRuns,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)

	for expert, executions := range metrics.ExpertExecutions {
		report += fmt.Sprintf("  %s: %d executions, %.2f%% success, %v avg time\n",
			expert, executions, metrics.ExpertSuccessRates[expert]*100, metrics.ExpertAverageTimes[expert])
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, metrics.LLMTokensUsed[model], costs.ModelCosts[model])
	}

	report += "\nTool Usage:\n"
	for tool, calls := range metrics.ToolCalls {
		report += fmt.Sprintf("  %s: %d calls, %.2f%% success, %v avg time\n",
			tool, calls, metrics.ToolSuccessRates[tool]*100, metrics.ToolAverageTimes[tool])
	}

	return report
}
