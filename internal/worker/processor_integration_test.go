package worker_test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	otelnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/core"
	"github.com/mohammad-safakhou/errand/internal/budget"
	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/queue/streams"
	"github.com/mohammad-safakhou/errand/internal/store"
	"github.com/mohammad-safakhou/errand/internal/worker"
)

type stubRunner struct {
	calls int
}

func (r *stubRunner) RunWithBudget(_ context.Context, query, _ string, _ budget.Config) core.Result {
	r.calls++
	return core.Result{
		FinalAnswer:       "stub answer for: " + query,
		ExpertName:        "general_expert",
		SuccessEvaluation: true,
		TokensUsed:        128,
		CostEstimate:      0.001,
		ProcessingTime:    50 * time.Millisecond,
	}
}

func (r *stubRunner) PerformanceSnapshot() map[string]core.ExpertStats {
	return map[string]core.ExpertStats{
		"general_expert": {Success: r.calls, Total: r.calls, Rate: 1},
	}
}

func startPostgres(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "errand",
			"POSTGRES_PASSWORD": "errand",
			"POSTGRES_DB":       "errand",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get mapped port: %v", err)
	}
	host, err := pg.Host(ctx)
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get host: %v", err)
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", "errand", "errand", host, port.Port(), "errand")
	return pg, dsn
}

func startRedis(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	rd, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start redis: %v", err)
	}
	port, err := rd.MappedPort(ctx, "6379")
	if err != nil {
		_ = rd.Terminate(ctx)
		t.Fatalf("failed to get mapped port: %v", err)
	}
	host, err := rd.Host(ctx)
	if err != nil {
		_ = rd.Terminate(ctx)
		t.Fatalf("failed to get host: %v", err)
	}
	return rd, fmt.Sprintf("%s:%s", host, port.Port())
}

func applySchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaSQL := `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS users (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  email TEXT UNIQUE NOT NULL,
  password_hash TEXT NOT NULL,
  created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS runs (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  query TEXT NOT NULL,
  trigger TEXT NOT NULL DEFAULT 'manual',
  status TEXT NOT NULL DEFAULT 'queued',
  result JSONB,
  error TEXT,
  created_at TIMESTAMPTZ DEFAULT NOW(),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS expert_stats (
  expert TEXT PRIMARY KEY,
  success INTEGER NOT NULL DEFAULT 0,
  total INTEGER NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ DEFAULT NOW()
);
`
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func awaitRunStatus(t *testing.T, ctx context.Context, st *store.Store, runID, userID, status string, timeout time.Duration) store.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, ok, err := st.GetRun(ctx, runID, userID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if ok && run.Status == status {
			return run
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %s within %s", runID, status, timeout)
	return store.Run{}
}

func awaitDrained(t *testing.T, ctx context.Context, rdb *redis.Client, stream, group string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m, err := streams.GroupLag(ctx, rdb, stream, group)
		if err == nil && m.Pending == 0 && m.Lag == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("stream %s group %s not drained within %s", stream, group, timeout)
}

func TestWorkerExecutesQueuedRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pg, dsn := startPostgres(t, ctx)
	defer func() { _ = pg.Terminate(ctx) }()
	rd, redisAddr := startRedis(t, ctx)
	defer func() { _ = rd.Terminate(ctx) }()

	if err := applySchema(ctx, dsn); err != nil {
		t.Fatalf("schema: %v", err)
	}

	var st *store.Store
	var err error
	for i := 0; i < 6; i++ {
		st, err = store.NewWithDSN(ctx, dsn)
		if err == nil {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("store init: %v", err)
	}

	if err := st.CreateUser(ctx, "worker@example.com", "hash"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	userID, _, err := st.GetUserByEmail(ctx, "worker@example.com")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	runID, err := st.CreateRun(ctx, userID, "summarize this week", store.TriggerManual)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() { _ = rdb.Close() }()

	cfg := &config.Config{}
	cfg.Queue.RunStream = "errand:runs"
	cfg.Queue.EventStream = "errand:events"
	cfg.Queue.Group = "errand-workers"
	cfg.Queue.MaxLen = 1000

	registry, err := streams.NewRunRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := streams.EnsureGroup(ctx, rdb, cfg.Queue.RunStream, cfg.Queue.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	publisher := streams.NewPublisher(rdb, registry)
	consumer := streams.NewConsumer(rdb, registry, cfg.Queue.Group, "worker-1")
	runner := &stubRunner{}
	mem := memory.NewService(config.MemoryConfig{}, nil, nil, "", nil)
	meter := otelnoop.NewMeterProvider().Meter("worker-test")

	proc := worker.NewProcessor(cfg, log.New(io.Discard, "", 0), st, runner, mem, consumer, publisher, rdb, meter, nil)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- proc.Start(workerCtx) }()

	payload := streams.RunRequestedV1{RunID: runID, UserID: userID, Query: "summarize this week", Trigger: store.TriggerManual}
	if _, err := publisher.PublishRaw(ctx, cfg.Queue.RunStream, streams.EventRunRequested, streams.PayloadV1, payload); err != nil {
		t.Fatalf("publish run: %v", err)
	}

	run := awaitRunStatus(t, ctx, st, runID, userID, store.RunStatusSucceeded, 15*time.Second)
	if len(run.Result) == 0 {
		t.Fatalf("run result missing: %+v", run)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Fatalf("run timestamps missing: %+v", run)
	}

	if n, err := rdb.XLen(ctx, cfg.Queue.EventStream).Result(); err != nil || n != 1 {
		t.Fatalf("event stream length = %d err=%v", n, err)
	}
	stats, err := st.LoadExpertStats(ctx)
	if err != nil || len(stats) != 1 || stats[0].Expert != "general_expert" {
		t.Fatalf("expert stats: %+v err=%v", stats, err)
	}
	ttl, err := rdb.TTL(ctx, "errand:perf").Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("performance snapshot cache ttl = %s err=%v", ttl, err)
	}

	// Re-delivery of a finished run claims nothing and runs nothing.
	if _, err := publisher.PublishRaw(ctx, cfg.Queue.RunStream, streams.EventRunRequested, streams.PayloadV1, payload); err != nil {
		t.Fatalf("republish run: %v", err)
	}
	awaitDrained(t, ctx, rdb, cfg.Queue.RunStream, cfg.Queue.Group, 10*time.Second)
	if runner.calls != 1 {
		t.Fatalf("runner executed %d times, want 1", runner.calls)
	}
	if n, _ := rdb.XLen(ctx, cfg.Queue.EventStream).Result(); n != 1 {
		t.Fatalf("duplicate completion event published, stream length %d", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("worker exit: %v", err)
	}
}
