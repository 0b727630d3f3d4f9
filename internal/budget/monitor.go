package budget

import (
	"sync"
	"time"
)

// Monitor accumulates spend for one run and reports when a limit is crossed.
// Safe for concurrent use.
type Monitor struct {
	mu         sync.Mutex
	config     Config
	costUsed   float64
	tokensUsed int64
	startTime  time.Time
}

// NewMonitor builds a monitor for the given limits. The monitor keeps its own
// copy of the config so later mutation by the caller has no effect.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		config:    cfg.Clone(),
		startTime: time.Now(),
	}
}

// Add records cost and token usage from one LLM call. It returns ErrExceeded
// once cumulative usage passes a configured limit; the usage is still counted.
func (m *Monitor) Add(cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.costUsed += cost
	m.tokensUsed += tokens

	if m.config.MaxCost != nil && m.costUsed > *m.config.MaxCost {
		return ErrExceeded{
			Kind:  "cost",
			Usage: formatDollars(m.costUsed),
			Limit: formatDollars(*m.config.MaxCost),
		}
	}
	if m.config.MaxTokens != nil && m.tokensUsed > *m.config.MaxTokens {
		return ErrExceeded{
			Kind:  "tokens",
			Usage: formatCount(m.tokensUsed),
			Limit: formatCount(*m.config.MaxTokens),
		}
	}
	return nil
}

// CheckTime returns ErrExceeded when the run has outlived its time limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxTimeSeconds == nil {
		return nil
	}
	elapsed := time.Since(m.startTime)
	limit := time.Duration(*m.config.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.Round(time.Second).String(),
			Limit: limit.String(),
		}
	}
	return nil
}

// Exceeded reports whether any limit has already been crossed.
func (m *Monitor) Exceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxCost != nil && m.costUsed > *m.config.MaxCost {
		return true
	}
	if m.config.MaxTokens != nil && m.tokensUsed > *m.config.MaxTokens {
		return true
	}
	if m.config.MaxTimeSeconds != nil {
		if time.Since(m.startTime) > time.Duration(*m.config.MaxTimeSeconds)*time.Second {
			return true
		}
	}
	return false
}

// Usage returns the totals accumulated so far.
func (m *Monitor) Usage() (cost float64, tokens int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUsed, m.tokensUsed, time.Since(m.startTime)
}
