// Package worker consumes queued run requests and executes them through the
// expert orchestrator.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/core"
	"github.com/mohammad-safakhou/errand/internal/budget"
	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/queue/streams"
	"github.com/mohammad-safakhou/errand/internal/runtime"
	"github.com/mohammad-safakhou/errand/internal/store"
)

const (
	// perfCacheKey holds the latest expert performance snapshot so dashboards
	// can read it without hitting Postgres.
	perfCacheKey = "errand:perf"
	perfCacheTTL = 5 * time.Minute

	// Messages left pending longer than this are assumed orphaned by a dead
	// consumer and get reclaimed.
	reclaimMinIdle      = time.Minute
	maintenanceInterval = time.Minute
)

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimRun(ctx context.Context, runID string) (bool, error)
	FinishRun(ctx context.Context, runID, status string, result *core.Result, errMsg *string) error
	UpsertExpertStats(ctx context.Context, expert string, success, total int) error
}

// QueryRunner executes one query through the orchestrator.
type QueryRunner interface {
	RunWithBudget(ctx context.Context, query, memoryContext string, limits budget.Config) core.Result
	PerformanceSnapshot() map[string]core.ExpertStats
}

// MemoryAPI is the slice of the memory service the worker uses.
type MemoryAPI interface {
	ContextString(ctx context.Context, userID string) string
	AddTurn(userID, role, content string)
}

// EventPublisher appends envelopes to Redis streams.
type EventPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

var (
	_ StoreAPI       = (*store.Store)(nil)
	_ QueryRunner    = (*core.Orchestrator)(nil)
	_ MemoryAPI      = (*memory.Service)(nil)
	_ EventPublisher = (*streams.Publisher)(nil)
)

// Processor drives run execution by consuming run.requested events.
type Processor struct {
	logger      *log.Logger
	store       StoreAPI
	orch        QueryRunner
	mem         MemoryAPI
	consumer    *streams.Consumer
	publisher   EventPublisher
	rdb         *redis.Client
	runStream   string
	eventStream string
	maxLen      int64
	baseLimits  budget.Config
	tracer      trace.Tracer
	runCounter  otelmetric.Int64Counter
	failCounter otelmetric.Int64Counter
	reclaimed   otelmetric.Int64Counter
}

// NewProcessor constructs a Processor.
func NewProcessor(cfg *config.Config, logger *log.Logger, st StoreAPI, orch QueryRunner, mem MemoryAPI, cons *streams.Consumer, pub EventPublisher, rdb *redis.Client, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}

	proc := &Processor{
		logger:      logger,
		store:       st,
		orch:        orch,
		mem:         mem,
		consumer:    cons,
		publisher:   pub,
		rdb:         rdb,
		runStream:   cfg.Queue.RunStream,
		eventStream: cfg.Queue.EventStream,
		maxLen:      cfg.Queue.MaxLen,
		baseLimits:  budget.FromAppConfig(cfg.Budget),
		tracer:      tracer,
	}
	if meter != nil {
		var err error
		proc.runCounter, err = meter.Int64Counter("worker_runs_processed")
		if err != nil {
			logger.Printf("warn: create run counter failed: %v", err)
		}
		proc.failCounter, err = meter.Int64Counter("worker_runs_failed")
		if err != nil {
			logger.Printf("warn: create fail counter failed: %v", err)
		}
		proc.reclaimed, err = meter.Int64Counter("worker_messages_reclaimed")
		if err != nil {
			logger.Printf("warn: create reclaim counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, continuously processing run.requested events until the
// context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker starting; consuming stream %s", p.runStream)

	var lastMaintenance time.Time
	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastMaintenance) >= maintenanceInterval {
			lastMaintenance = time.Now()
			if err := p.reclaimStale(ctx); err != nil {
				p.logger.Printf("warn: reclaim pending messages failed: %v", err)
			}
			p.logLag(ctx)
		}

		msgs, err := p.consumer.Read(ctx, p.runStream, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		for _, msg := range msgs {
			if err := p.handleRunRequested(ctx, msg); err != nil {
				p.logger.Printf("error handling run message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, p.runStream, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

func (p *Processor) handleRunRequested(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_run")
	defer span.End()

	var payload streams.RunRequestedV1
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal run payload: %w", err)
	}
	if payload.RunID == "" || payload.UserID == "" {
		return fmt.Errorf("event %s missing run_id or user_id", msg.Envelope.EventID)
	}

	claimed, err := p.store.ClaimRun(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip run %s: already finished", payload.RunID)
		return nil
	}

	runCtx := runtime.ContextWithSubject(ctx, payload.UserID)
	memCtx := p.mem.ContextString(runCtx, payload.UserID)

	limits := budget.Merge(p.baseLimits, budget.Config{
		MaxCost:   payload.MaxCost,
		MaxTokens: payload.MaxTokens,
	})
	res := p.orch.RunWithBudget(runCtx, payload.Query, memCtx, limits)

	status := store.RunStatusSucceeded
	var errMsg *string
	if res.Error {
		status = store.RunStatusFailed
		msg := res.ErrorMessage
		errMsg = &msg
		if p.failCounter != nil {
			p.failCounter.Add(ctx, 1)
		}
	}
	if err := p.store.FinishRun(ctx, payload.RunID, status, &res, errMsg); err != nil {
		return fmt.Errorf("finish run %s: %w", payload.RunID, err)
	}

	p.mem.AddTurn(payload.UserID, "user", payload.Query)
	p.mem.AddTurn(payload.UserID, "assistant", res.FinalAnswer)
	p.persistPerformance(ctx)
	p.publishCompleted(ctx, payload, status, res)

	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1)
	}
	p.logger.Printf("run %s finished: status=%s expert=%s tokens=%d cost=%.4f in %s",
		payload.RunID, status, res.ExpertName, res.TokensUsed, res.CostEstimate, res.ProcessingTime)
	return nil
}

// persistPerformance snapshots the expert tracker into Postgres and caches it
// in Redis so counters survive restarts.
func (p *Processor) persistPerformance(ctx context.Context) {
	snapshot := p.orch.PerformanceSnapshot()
	for name, stat := range snapshot {
		if err := p.store.UpsertExpertStats(ctx, name, stat.Success, stat.Total); err != nil {
			p.logger.Printf("persist expert stats %s: %v", name, err)
		}
	}
	if p.rdb == nil || len(snapshot) == 0 {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := p.rdb.Set(ctx, perfCacheKey, data, perfCacheTTL).Err(); err != nil {
		p.logger.Printf("warn: cache performance snapshot: %v", err)
	}
}

func (p *Processor) publishCompleted(ctx context.Context, req streams.RunRequestedV1, status string, res core.Result) {
	if p.eventStream == "" {
		return
	}
	payload := streams.RunCompletedV1{
		RunID:      req.RunID,
		UserID:     req.UserID,
		Status:     status,
		Expert:     res.ExpertName,
		Answer:     res.FinalAnswer,
		TokensUsed: res.TokensUsed,
		Cost:       res.CostEstimate,
		DurationMS: res.ProcessingTime.Milliseconds(),
	}
	if _, err := p.publisher.PublishRaw(ctx, p.eventStream, streams.EventRunCompleted, streams.PayloadV1, payload,
		streams.WithMaxLenApprox(p.maxLen)); err != nil {
		p.logger.Printf("publish %s for run %s: %v", streams.EventRunCompleted, req.RunID, err)
	}
}

// reclaimStale takes over messages another consumer read but never acked,
// typically after a crash mid-run, and processes them here.
func (p *Processor) reclaimStale(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.runStream, reclaimMinIdle, start, 16)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			p.logger.Printf("reclaimed pending message %s", msg.ID)
			if err := p.handleRunRequested(ctx, msg); err != nil {
				p.logger.Printf("error handling reclaimed message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, p.runStream, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack reclaimed message %s: %v", msg.ID, err)
			}
			if p.reclaimed != nil {
				p.reclaimed.Add(ctx, 1)
			}
		}
		if len(msgs) == 0 || next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
}

func (p *Processor) logLag(ctx context.Context) {
	m, err := p.consumer.LagMetrics(ctx, p.runStream)
	if err != nil {
		p.logger.Printf("warn: lag metrics: %v", err)
		return
	}
	if m.Pending > 0 || m.Lag > 0 {
		p.logger.Printf("queue %s: pending=%d lag=%d consumers=%d oldest_idle=%s",
			p.runStream, m.Pending, m.Lag, m.Consumers, m.OldestIdle)
	}
}
