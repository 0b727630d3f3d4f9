package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/errand/config"
)

// selectionHistoryCap bounds the retained routing history; the statistics
// surface only ever reports the most recent slice of it.
const selectionHistoryCap = 100

// ExpertSelector routes a query to the expert profile best suited to handle
// it: LLM classification first, deterministic keyword matching when that
// fails, and a performance override replacing a proven-bad pick with the
// current best performer.
type ExpertSelector struct {
	cfg     config.AgentConfig
	experts *Experts
	tracker *PerformanceTracker
	llm     LLMProvider
	model   string
	logger  *log.Logger

	mu      sync.Mutex
	history []SelectionRecord
	total   int
}

// NewExpertSelector builds a selector bound to the configured selection model.
func NewExpertSelector(cfg *config.Config, experts *Experts, tracker *PerformanceTracker, llm LLMProvider) *ExpertSelector {
	return &ExpertSelector{
		cfg:     cfg.Agent,
		experts: experts,
		tracker: tracker,
		llm:     llm,
		model:   cfg.LLM.Routing.Selection,
		logger:  log.New(log.Writer(), "[SELECT] ", log.LstdFlags),
	}
}

// Select returns the expert that should handle the query and records the
// routing decision.
func (s *ExpertSelector) Select(ctx context.Context, query string) string {
	primary, err := s.classify(ctx, query)
	if err != nil {
		primary = s.experts.KeywordRoute(query)
		s.logger.Printf("llm classification unavailable (%v), keyword route chose %s", err, primary)
	}

	chosen := primary
	overridden := false
	if s.tracker.Sampled(primary, s.cfg.MinSamples) && s.tracker.Rate(primary) < s.cfg.LowSuccessRate {
		if best := s.tracker.Best(); best != "" && best != primary {
			s.logger.Printf("selection override: %s (rate %.2f) -> %s", primary, s.tracker.Rate(primary), best)
			chosen = best
			overridden = true
		}
	}

	s.record(query, chosen, overridden)
	return chosen
}

// classify asks the LLM to name the best-suited expert. An unknown or
// unparseable reply is an error so the caller falls back to keyword routing.
func (s *ExpertSelector) classify(ctx context.Context, query string) (string, error) {
	var b strings.Builder
	b.WriteString("Pick the expert best suited to handle the user query.\n\n")
	b.WriteString("User query: ")
	b.WriteString(query)
	b.WriteString("\n\nAvailable experts:\n")
	b.WriteString(s.experts.Describe())
	b.WriteString("\nConsider whether the query needs live web information, imagery, ")
	b.WriteString("document analysis, or general reasoning.\n")
	b.WriteString("Respond with the expert name only, nothing else.\n")

	resp, err := s.llm.Generate(ctx, b.String(), s.model, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  30,
	})
	if err != nil {
		return "", err
	}

	name := strings.Trim(strings.TrimSpace(resp), "\"'`.")
	if _, ok := s.experts.Get(name); !ok {
		return "", fmt.Errorf("classifier named unknown expert %q", name)
	}
	return name, nil
}

func (s *ExpertSelector) record(query, expert string, overridden bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.history = append(s.history, SelectionRecord{
		Query:      query,
		Expert:     expert,
		Overridden: overridden,
		Timestamp:  time.Now(),
	})
	if len(s.history) > selectionHistoryCap {
		s.history = s.history[len(s.history)-selectionHistoryCap:]
	}
}

// History returns the most recent n routing decisions, oldest first.
func (s *ExpertSelector) History(n int) []SelectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]SelectionRecord, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// TotalSelections counts every routing decision made, including those whose
// history entries have been trimmed.
func (s *ExpertSelector) TotalSelections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
