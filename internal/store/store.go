// Package store is the Postgres persistence layer: users, runs and their
// result records, schedules, per-expert performance counters and uploaded
// documents.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq"
	core "github.com/mohammad-safakhou/errand/internal/agent/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

// Run statuses persisted in the runs table. Transitions only move forward:
// queued -> running -> succeeded|failed.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// Run is one persisted query execution.
type Run struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Query      string          `json:"query"`
	Trigger    string          `json:"trigger"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Schedule is one recurring query definition.
type Schedule struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Query     string     `json:"query"`
	CronExpr  string     `json:"cron_expr"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ExpertStat is the persisted snapshot of one expert's counters.
type ExpertStat struct {
	Expert    string    `json:"expert"`
	Success   int       `json:"success"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Document is one uploaded text document.
type Document struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	metricsOnce    sync.Once
	costCounter    otelmetric.Float64Counter
	tokenCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("errand/store")
	var err error
	costCounter, err = meter.Float64Counter("run_cost_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("run_tokens_total")
	if err != nil {
		metricsInitErr = err
	}
}

// New connects using DATABASE_URL or the POSTGRES_* environment variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Run operations
func (s *Store) CreateRun(ctx context.Context, userID, query, trigger string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO runs (user_id, query, trigger, status) VALUES ($1,$2,$3,$4) RETURNING id`,
		userID, query, trigger, RunStatusQueued).Scan(&id)
	return id, err
}

// ClaimRun flips a queued run to running and reports whether the row was
// still claimable. Runs already in a terminal state are left untouched, so
// a re-delivered queue message for a finished run claims nothing.
func (s *Store) ClaimRun(ctx context.Context, runID string) (bool, error) {
	if runID == "" {
		return false, fmt.Errorf("run_id must be provided")
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status=$2, started_at=COALESCE(started_at, NOW()) WHERE id=$1 AND status IN ($3,$2)`,
		runID, RunStatusRunning, RunStatusQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkRunRunning is ClaimRun for callers that do not care about the claim.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	_, err := s.ClaimRun(ctx, runID)
	return err
}

// FinishRun records the terminal status, the result record and the error
// message, and bumps the cost/token counters.
func (s *Store) FinishRun(ctx context.Context, runID, status string, result *core.Result, errMsg *string) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	var resultJSON interface{}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal run result: %w", err)
		}
		resultJSON = data
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status=$2, result=$3, error=$4, finished_at=NOW() WHERE id=$1`,
		runID, status, resultJSON, errMsg)
	if err != nil {
		return err
	}

	if result != nil {
		metricsOnce.Do(initStoreMetrics)
		if metricsInitErr == nil {
			attrs := []attribute.KeyValue{
				attribute.String("expert", result.ExpertName),
				attribute.String("status", status),
			}
			if costCounter != nil && result.CostEstimate > 0 {
				costCounter.Add(ctx, result.CostEstimate, otelmetric.WithAttributes(attrs...))
			}
			if tokenCounter != nil && result.TokensUsed > 0 {
				tokenCounter.Add(ctx, result.TokensUsed, otelmetric.WithAttributes(attrs...))
			}
		}
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID, userID string) (Run, bool, error) {
	var r Run
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, query, trigger, status, result, error, created_at, started_at, finished_at
FROM runs
WHERE id=$1 AND user_id=$2
`, runID, userID).Scan(&r.ID, &r.UserID, &r.Query, &r.Trigger, &r.Status, &r.Result, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	return r, true, nil
}

func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, query, trigger, status, error, created_at, started_at, finished_at
FROM runs
WHERE user_id=$1
ORDER BY created_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.UserID, &r.Query, &r.Trigger, &r.Status, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Schedule operations
func (s *Store) CreateSchedule(ctx context.Context, userID, query, cronExpr string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO schedules (user_id, query, cron_expr, enabled) VALUES ($1,$2,$3,true) RETURNING id`,
		userID, query, cronExpr).Scan(&id)
	return id, err
}

func (s *Store) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, query, cron_expr, enabled, last_run_at, created_at
FROM schedules
WHERE user_id=$1
ORDER BY created_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListEnabledSchedules returns every enabled schedule across all users; the
// scheduler scans these each tick.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, query, cron_expr, enabled, last_run_at, created_at
FROM schedules
WHERE enabled
ORDER BY created_at
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.UserID, &sc.Query, &sc.CronExpr, &sc.Enabled, &sc.LastRunAt, &sc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchSchedule records that the schedule fired.
func (s *Store) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE schedules SET last_run_at=$2 WHERE id=$1`, id, at)
	return err
}

// Expert stats operations
func (s *Store) UpsertExpertStats(ctx context.Context, expert string, success, total int) error {
	if expert == "" {
		return fmt.Errorf("expert must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO expert_stats (expert, success, total, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (expert) DO UPDATE SET
  success = EXCLUDED.success,
  total = EXCLUDED.total,
  updated_at = NOW();
`, expert, success, total)
	return err
}

func (s *Store) LoadExpertStats(ctx context.Context) ([]ExpertStat, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT expert, success, total, updated_at FROM expert_stats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExpertStat
	for rows.Next() {
		var st ExpertStat
		if err := rows.Scan(&st.Expert, &st.Success, &st.Total, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Document operations
func (s *Store) InsertDocument(ctx context.Context, userID, name, content string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO documents (user_id, name, content) VALUES ($1,$2,$3) RETURNING id`,
		userID, name, content).Scan(&id)
	return id, err
}

// ListDocuments returns document metadata without content.
func (s *Store) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, name, created_at
FROM documents
WHERE user_id=$1
ORDER BY created_at
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDocument(ctx context.Context, userID, id string) (Document, error) {
	var d Document
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, name, content, created_at
FROM documents
WHERE id=$1 AND user_id=$2
`, id, userID).Scan(&d.ID, &d.UserID, &d.Name, &d.Content, &d.CreatedAt)
	return d, err
}
