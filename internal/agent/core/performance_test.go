package core

import "testing"

func TestTrackerUpdateAndRate(t *testing.T) {
	tr := NewPerformanceTracker([]string{"a", "b"})
	tr.Update("a", true)
	tr.Update("a", true)
	tr.Update("a", false)

	stats := tr.Stats("a")
	if stats.Success != 2 || stats.Total != 3 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if got := tr.Rate("a"); got < 0.66 || got > 0.67 {
		t.Fatalf("expected rate ~0.667, got %f", got)
	}
}

func TestTrackerNeutralRateWithoutSamples(t *testing.T) {
	tr := NewPerformanceTracker([]string{"a"})
	if got := tr.Rate("a"); got != neutralScore {
		t.Fatalf("expected neutral %f, got %f", neutralScore, got)
	}
	if got := tr.Rate("missing"); got != neutralScore {
		t.Fatalf("expected neutral for unknown expert, got %f", got)
	}
}

func TestTrackerIgnoresUnknownExpert(t *testing.T) {
	tr := NewPerformanceTracker([]string{"a"})
	tr.Update("ghost", true)
	if _, ok := tr.Snapshot()["ghost"]; ok {
		t.Fatalf("unknown expert should not appear in the snapshot")
	}
}

func TestTrackerSampled(t *testing.T) {
	tr := NewPerformanceTracker([]string{"a"})
	tr.Update("a", true)
	tr.Update("a", false)
	if tr.Sampled("a", 3) {
		t.Fatalf("2 samples should not satisfy a floor of 3")
	}
	tr.Update("a", true)
	if !tr.Sampled("a", 3) {
		t.Fatalf("3 samples should satisfy a floor of 3")
	}
}

func TestTrackerBestPrefersProvenPerformer(t *testing.T) {
	tr := NewPerformanceTracker([]string{"a", "b", "c"})
	if got := tr.Best(); got != "a" {
		t.Fatalf("all neutral: expected first registered, got %s", got)
	}

	tr.Update("b", true)
	if got := tr.Best(); got != "b" {
		t.Fatalf("expected proven b over neutral a, got %s", got)
	}

	// a proven-bad expert ranks below unproven ones
	tr.Update("b", false)
	tr.Update("b", false)
	if got := tr.Best(); got != "a" {
		t.Fatalf("expected neutral a over failing b, got %s", got)
	}
}

func TestTrackerBestTieKeepsRegistrationOrder(t *testing.T) {
	tr := NewPerformanceTracker([]string{"a", "b", "c"})
	tr.Update("b", true)
	tr.Update("c", true)
	if got := tr.Best(); got != "b" {
		t.Fatalf("tie at 1.0: expected earlier-registered b, got %s", got)
	}
}

func TestTrackerSeedRestoresCounters(t *testing.T) {
	tr := NewPerformanceTracker([]string{"a"})
	tr.Seed("a", 7, 10)
	stats := tr.Stats("a")
	if stats.Success != 7 || stats.Total != 10 || stats.Rate != 0.7 {
		t.Fatalf("unexpected seeded counters: %+v", stats)
	}

	tr.Seed("new_expert", 1, 2)
	snap := tr.Snapshot()
	if snap["new_expert"].Total != 2 {
		t.Fatalf("seeding an unseen expert should register it: %+v", snap)
	}
	if got := tr.Best(); got != "a" {
		t.Fatalf("expected a (0.7) over new_expert (0.5), got %s", got)
	}
}
