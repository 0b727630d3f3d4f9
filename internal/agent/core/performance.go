package core

import "sync"

// neutralScore is assumed for experts with no samples when ranking, so an
// unproven expert beats a proven-bad one but not a proven-good one.
const neutralScore = 0.5

// PerformanceTracker keeps per-expert success counters for the lifetime of
// the process. Concurrent queries share it, so every read and write takes
// the lock.
type PerformanceTracker struct {
	mu    sync.RWMutex
	order []string
	stats map[string]*expertCounters
}

type expertCounters struct {
	success int
	total   int
}

// NewPerformanceTracker seeds zeroed counters for the given experts,
// preserving order for deterministic tie-breaks.
func NewPerformanceTracker(names []string) *PerformanceTracker {
	t := &PerformanceTracker{stats: make(map[string]*expertCounters, len(names))}
	for _, n := range names {
		if _, dup := t.stats[n]; dup {
			continue
		}
		t.stats[n] = &expertCounters{}
		t.order = append(t.order, n)
	}
	return t
}

// Update credits or debits one completed run. Unknown experts are ignored so
// a stale name cannot skew selection.
func (t *PerformanceTracker) Update(name string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.stats[name]
	if !ok {
		return
	}
	c.total++
	if success {
		c.success++
	}
}

// Seed force-sets one expert's counters, used when restoring persisted stats
// at startup.
func (t *PerformanceTracker) Seed(name string, success, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.stats[name]
	if !ok {
		c = &expertCounters{}
		t.stats[name] = c
		t.order = append(t.order, name)
	}
	c.success = success
	c.total = total
}

// Stats returns one expert's counters.
func (t *PerformanceTracker) Stats(name string) ExpertStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.stats[name]
	if !ok {
		return ExpertStats{}
	}
	return snapshotCounters(c)
}

// Snapshot copies every expert's counters.
func (t *PerformanceTracker) Snapshot() map[string]ExpertStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ExpertStats, len(t.stats))
	for name, c := range t.stats {
		out[name] = snapshotCounters(c)
	}
	return out
}

// Sampled reports whether the expert has at least min completed runs.
func (t *PerformanceTracker) Sampled(name string, min int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.stats[name]
	return ok && c.total >= min
}

// Rate returns the expert's running success rate, or the neutral score when
// it has no samples yet.
func (t *PerformanceTracker) Rate(name string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.stats[name]
	if !ok || c.total == 0 {
		return neutralScore
	}
	return float64(c.success) / float64(c.total)
}

// Best returns the expert with the highest success rate. Experts without
// samples score neutral; ties keep the earliest registered expert.
func (t *PerformanceTracker) Best() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best := ""
	bestScore := -1.0
	for _, name := range t.order {
		c := t.stats[name]
		score := neutralScore
		if c.total > 0 {
			score = float64(c.success) / float64(c.total)
		}
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	return best
}

func snapshotCounters(c *expertCounters) ExpertStats {
	s := ExpertStats{Success: c.success, Total: c.total}
	if c.total > 0 {
		s.Rate = float64(c.success) / float64(c.total)
	}
	return s
}
