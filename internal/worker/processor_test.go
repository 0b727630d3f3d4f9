package worker

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/core"
	"github.com/mohammad-safakhou/errand/internal/budget"
	"github.com/mohammad-safakhou/errand/internal/queue/streams"
	"github.com/mohammad-safakhou/errand/internal/runtime"
	"github.com/mohammad-safakhou/errand/internal/store"
)

type runStoreStub struct {
	claimed   bool
	claimErr  error
	claimedID string

	finishedID     string
	finishedStatus string
	finishedResult *core.Result
	finishedErrMsg *string

	stats map[string][2]int
}

func (s *runStoreStub) ClaimRun(_ context.Context, runID string) (bool, error) {
	s.claimedID = runID
	return s.claimed, s.claimErr
}

func (s *runStoreStub) FinishRun(_ context.Context, runID, status string, result *core.Result, errMsg *string) error {
	s.finishedID = runID
	s.finishedStatus = status
	s.finishedResult = result
	s.finishedErrMsg = errMsg
	return nil
}

func (s *runStoreStub) UpsertExpertStats(_ context.Context, expert string, success, total int) error {
	if s.stats == nil {
		s.stats = map[string][2]int{}
	}
	s.stats[expert] = [2]int{success, total}
	return nil
}

type runnerStub struct {
	ctx      context.Context
	query    string
	memCtx   string
	limits   budget.Config
	result   core.Result
	snapshot map[string]core.ExpertStats
	calls    int
}

func (r *runnerStub) RunWithBudget(ctx context.Context, query, memoryContext string, limits budget.Config) core.Result {
	r.ctx = ctx
	r.query = query
	r.memCtx = memoryContext
	r.limits = limits
	r.calls++
	return r.result
}

func (r *runnerStub) PerformanceSnapshot() map[string]core.ExpertStats {
	return r.snapshot
}

type memoryStub struct {
	contextValue string
	turns        []string
}

func (m *memoryStub) ContextString(_ context.Context, _ string) string { return m.contextValue }

func (m *memoryStub) AddTurn(_, role, content string) {
	m.turns = append(m.turns, role+":"+content)
}

type eventStub struct {
	stream  string
	event   string
	payload interface{}
	calls   int
	err     error
}

func (p *eventStub) PublishRaw(_ context.Context, stream, eventType, version string, payload interface{}, _ ...streams.PublishOption) (string, error) {
	p.stream = stream
	p.event = eventType
	p.payload = payload
	p.calls++
	return "1-0", p.err
}

func newTestProcessor(t *testing.T, st *runStoreStub, orch *runnerStub, mem *memoryStub, pub *eventStub) *Processor {
	t.Helper()
	cfg := &config.Config{}
	cfg.Queue.RunStream = "errand:runs"
	cfg.Queue.EventStream = "errand:events"
	cfg.Queue.MaxLen = 1000
	cfg.Budget.MaxCost = 1.0
	return NewProcessor(cfg, log.New(io.Discard, "", 0), st, orch, mem, nil, pub, nil, nil, nil)
}

func runMessage(t *testing.T, payload streams.RunRequestedV1) streams.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return streams.Message{
		ID: "1-0",
		Envelope: streams.Envelope{
			EventID:        "evt-1",
			EventType:      streams.EventRunRequested,
			PayloadVersion: streams.PayloadV1,
			Data:           data,
		},
	}
}

func TestHandleRunRequestedSuccess(t *testing.T) {
	st := &runStoreStub{claimed: true}
	orch := &runnerStub{
		result: core.Result{
			FinalAnswer:    "Beijing is sunny today",
			ExpertName:     "search_expert",
			TokensUsed:     900,
			CostEstimate:   0.012,
			ProcessingTime: 2 * time.Second,
		},
		snapshot: map[string]core.ExpertStats{
			"search_expert": {Success: 3, Total: 4, Rate: 0.75},
		},
	}
	mem := &memoryStub{contextValue: "previous conversation"}
	pub := &eventStub{}
	proc := newTestProcessor(t, st, orch, mem, pub)

	msg := runMessage(t, streams.RunRequestedV1{
		RunID:   "run-1",
		UserID:  "user-1",
		Query:   "what is the weather in Beijing",
		Trigger: store.TriggerManual,
	})
	if err := proc.handleRunRequested(context.Background(), msg); err != nil {
		t.Fatalf("handleRunRequested: %v", err)
	}

	if st.claimedID != "run-1" {
		t.Fatalf("claimed run = %q", st.claimedID)
	}
	if st.finishedStatus != store.RunStatusSucceeded || st.finishedErrMsg != nil {
		t.Fatalf("finish: status=%q errMsg=%v", st.finishedStatus, st.finishedErrMsg)
	}
	if st.finishedResult == nil || st.finishedResult.FinalAnswer != "Beijing is sunny today" {
		t.Fatalf("finish result: %+v", st.finishedResult)
	}
	if orch.query != "what is the weather in Beijing" || orch.memCtx != "previous conversation" {
		t.Fatalf("runner got query=%q memCtx=%q", orch.query, orch.memCtx)
	}
	if subject, ok := runtime.SubjectFromContext(orch.ctx); !ok || subject != "user-1" {
		t.Fatalf("runner context subject = %q ok=%v", subject, ok)
	}
	if len(mem.turns) != 2 || mem.turns[0] != "user:what is the weather in Beijing" {
		t.Fatalf("memory turns: %v", mem.turns)
	}
	if got := st.stats["search_expert"]; got != [2]int{3, 4} {
		t.Fatalf("persisted stats: %v", got)
	}

	if pub.calls != 1 || pub.stream != "errand:events" || pub.event != streams.EventRunCompleted {
		t.Fatalf("publish: calls=%d stream=%q event=%q", pub.calls, pub.stream, pub.event)
	}
	completed, ok := pub.payload.(streams.RunCompletedV1)
	if !ok {
		t.Fatalf("payload type %T", pub.payload)
	}
	if completed.RunID != "run-1" || completed.Status != store.RunStatusSucceeded || completed.Expert != "search_expert" {
		t.Fatalf("completed payload: %+v", completed)
	}
	if completed.DurationMS != 2000 || completed.TokensUsed != 900 {
		t.Fatalf("completed payload counters: %+v", completed)
	}
}

func TestHandleRunRequestedSkipsFinishedRun(t *testing.T) {
	st := &runStoreStub{claimed: false}
	orch := &runnerStub{}
	pub := &eventStub{}
	proc := newTestProcessor(t, st, orch, &memoryStub{}, pub)

	msg := runMessage(t, streams.RunRequestedV1{RunID: "run-1", UserID: "user-1", Query: "q", Trigger: store.TriggerManual})
	if err := proc.handleRunRequested(context.Background(), msg); err != nil {
		t.Fatalf("handleRunRequested: %v", err)
	}
	if orch.calls != 0 {
		t.Fatal("runner should not execute an already finished run")
	}
	if st.finishedID != "" || pub.calls != 0 {
		t.Fatalf("unexpected side effects: finished=%q publishes=%d", st.finishedID, pub.calls)
	}
}

func TestHandleRunRequestedFailure(t *testing.T) {
	st := &runStoreStub{claimed: true}
	orch := &runnerStub{
		result: core.Result{Error: true, ErrorMessage: "llm unavailable"},
	}
	pub := &eventStub{}
	proc := newTestProcessor(t, st, orch, &memoryStub{}, pub)

	msg := runMessage(t, streams.RunRequestedV1{RunID: "run-2", UserID: "user-1", Query: "q", Trigger: store.TriggerSchedule})
	if err := proc.handleRunRequested(context.Background(), msg); err != nil {
		t.Fatalf("handleRunRequested: %v", err)
	}
	if st.finishedStatus != store.RunStatusFailed {
		t.Fatalf("status = %q", st.finishedStatus)
	}
	if st.finishedErrMsg == nil || *st.finishedErrMsg != "llm unavailable" {
		t.Fatalf("errMsg = %v", st.finishedErrMsg)
	}
	completed := pub.payload.(streams.RunCompletedV1)
	if completed.Status != store.RunStatusFailed {
		t.Fatalf("completed status = %q", completed.Status)
	}
}

func TestHandleRunRequestedBudgetOverride(t *testing.T) {
	st := &runStoreStub{claimed: true}
	orch := &runnerStub{}
	proc := newTestProcessor(t, st, orch, &memoryStub{}, &eventStub{})

	maxCost := 0.25
	msg := runMessage(t, streams.RunRequestedV1{
		RunID: "run-3", UserID: "user-1", Query: "q", Trigger: store.TriggerManual,
		MaxCost: &maxCost,
	})
	if err := proc.handleRunRequested(context.Background(), msg); err != nil {
		t.Fatalf("handleRunRequested: %v", err)
	}
	if orch.limits.MaxCost == nil || *orch.limits.MaxCost != 0.25 {
		t.Fatalf("limits.MaxCost = %v, want request override", orch.limits.MaxCost)
	}
	if orch.limits.MaxTokens != nil {
		t.Fatalf("limits.MaxTokens = %v, want unset", orch.limits.MaxTokens)
	}
}

func TestHandleRunRequestedUsesConfiguredBudget(t *testing.T) {
	st := &runStoreStub{claimed: true}
	orch := &runnerStub{}
	proc := newTestProcessor(t, st, orch, &memoryStub{}, &eventStub{})

	msg := runMessage(t, streams.RunRequestedV1{RunID: "run-4", UserID: "user-1", Query: "q", Trigger: store.TriggerManual})
	if err := proc.handleRunRequested(context.Background(), msg); err != nil {
		t.Fatalf("handleRunRequested: %v", err)
	}
	if orch.limits.MaxCost == nil || *orch.limits.MaxCost != 1.0 {
		t.Fatalf("limits.MaxCost = %v, want configured default", orch.limits.MaxCost)
	}
}

func TestHandleRunRequestedRejectsBadPayload(t *testing.T) {
	st := &runStoreStub{claimed: true}
	orch := &runnerStub{}
	proc := newTestProcessor(t, st, orch, &memoryStub{}, &eventStub{})

	msg := runMessage(t, streams.RunRequestedV1{RunID: "", UserID: "", Query: "q"})
	if err := proc.handleRunRequested(context.Background(), msg); err == nil {
		t.Fatal("expected error for payload without run_id")
	}
	if st.claimedID != "" || orch.calls != 0 {
		t.Fatalf("unexpected side effects: claimed=%q calls=%d", st.claimedID, orch.calls)
	}
}

func TestHandleRunRequestedSkipsEventWithoutStream(t *testing.T) {
	st := &runStoreStub{claimed: true}
	orch := &runnerStub{result: core.Result{FinalAnswer: "done"}}
	pub := &eventStub{}
	proc := newTestProcessor(t, st, orch, &memoryStub{}, pub)
	proc.eventStream = ""

	msg := runMessage(t, streams.RunRequestedV1{RunID: "run-5", UserID: "user-1", Query: "q", Trigger: store.TriggerManual})
	if err := proc.handleRunRequested(context.Background(), msg); err != nil {
		t.Fatalf("handleRunRequested: %v", err)
	}
	if pub.calls != 0 {
		t.Fatalf("expected no completion event, got %d", pub.calls)
	}
}
