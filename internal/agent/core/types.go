package core

import (
	"context"
	"time"
)

// OutcomeStatus classifies a tool invocation result.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusFailed  OutcomeStatus = "failed"
	StatusUnknown OutcomeStatus = "unknown"
)

// ToolOutcome is the normalized result of one tool invocation.
type ToolOutcome struct {
	Status      OutcomeStatus `json:"status"`
	Message     string        `json:"message"`
	Suggestions []string      `json:"suggestions,omitempty"`
	Raw         string        `json:"raw,omitempty"`
}

// PlanStep is one LLM-proposed action for the current round.
type PlanStep struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

// Decision is the planner's verdict for a round: either run tools or answer directly.
// Exactly one of Steps/Answer is meaningful depending on NeedTool.
type Decision struct {
	NeedTool  bool       `json:"need_tool"`
	Steps     []PlanStep `json:"steps,omitempty"`
	Answer    string     `json:"answer,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
}

// ToolLogEntry records one executed step. Step indices increase monotonically
// across the whole query, not per round.
type ToolLogEntry struct {
	Step    int           `json:"step"`
	Tool    string        `json:"tool"`
	Input   string        `json:"input"`
	Output  string        `json:"output"`
	Status  OutcomeStatus `json:"status"`
	Round   int           `json:"round"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// LoopState is the per-query, per-expert mutable state threaded across rounds.
// It is created at the start of Execute and discarded at the end.
type LoopState struct {
	ToolLogs      []ToolLogEntry
	ExtractedURLs []string
	TriedURLs     map[string]bool
	FailedTools   map[string]bool
	Dispatched    map[string]bool // tool+input pairs already executed this query
	RoundNum      int
	stepCounter   int
}

// NewLoopState initializes empty accumulators for a fresh execution.
func NewLoopState() *LoopState {
	return &LoopState{
		TriedURLs:   make(map[string]bool),
		FailedTools: make(map[string]bool),
		Dispatched:  make(map[string]bool),
	}
}

// NextStep increments and returns the query-wide step counter.
func (s *LoopState) NextStep() int {
	s.stepCounter++
	return s.stepCounter
}

// ExecutionResult is what one expert's loop hands back to the orchestrator.
type ExecutionResult struct {
	FinalAnswer   string         `json:"final_answer"`
	FinalThoughts string         `json:"final_thoughts,omitempty"`
	LLMThoughts   []string       `json:"llm_thoughts"`
	Plan          []PlanStep     `json:"plan,omitempty"` // first-round plan only
	ToolLogs      []ToolLogEntry `json:"tool_logs"`
	Rounds        int            `json:"rounds"`
	TokensUsed    int64          `json:"tokens_used"`
	CostEstimate  float64        `json:"cost_estimate"`
}

// Result is the unified record returned by the orchestrator. It is the shape
// persisted for a run and served over the API.
type Result struct {
	FinalAnswer       string                 `json:"final_answer"`
	ExpertName        string                 `json:"expert_name"`
	ExpertDescription string                 `json:"expert_description"`
	LLMThoughts       []string               `json:"llm_thoughts"`
	ToolLogs          []ToolLogEntry         `json:"tool_logs"`
	Plan              []PlanStep             `json:"plan,omitempty"`
	SuccessEvaluation bool                   `json:"success_evaluation"`
	PerformanceStats  map[string]ExpertStats `json:"performance_stats"`
	BackupUsed        bool                   `json:"backup_used,omitempty"`
	Timeout           bool                   `json:"timeout,omitempty"`
	Error             bool                   `json:"error,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	ProcessingTime    time.Duration          `json:"processing_time"`
	TokensUsed        int64                  `json:"tokens_used"`
	CostEstimate      float64                `json:"cost_estimate"`
}

// ExpertStats is a snapshot of one expert's success counters.
type ExpertStats struct {
	Success int     `json:"success"`
	Total   int     `json:"total"`
	Rate    float64 `json:"rate"`
}

// SelectionRecord captures one routing decision for the statistics surface.
type SelectionRecord struct {
	Query      string    `json:"query"`
	Expert     string    `json:"expert"`
	Overridden bool      `json:"overridden"`
	Timestamp  time.Time `json:"timestamp"`
}

// LLMProvider is the language-model capability the core depends on.
type LLMProvider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// Embed generates vector embeddings for the provided inputs.
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)

	// GetAvailableModels returns available models
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities"`
	Description     string   `json:"description"`
}

// ContextProvider builds the memory context string (document listing plus
// recent conversation) passed opaquely into planning prompts.
type ContextProvider interface {
	ContextString(ctx context.Context, userID string) string
}
