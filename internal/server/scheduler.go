package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/errand/internal/queue/streams"
	"github.com/mohammad-safakhou/errand/internal/store"
)

// schedLockTTL bounds how long a schedule stays claimed after enqueue; other
// server replicas skip a locked schedule instead of double-firing it.
const schedLockTTL = 2 * time.Minute

// Scheduler periodically enqueues runs for due schedules. Due-ness is decided
// from the cron expression and the last run time; a Redis SetNX lock keeps
// replicas from enqueueing the same schedule twice.
type Scheduler struct {
	Store     *store.Store
	Rdb       *redis.Client
	Publisher runPublisher
	Stream    string
	MaxLen    int64
	Tick      time.Duration
	Logger    *log.Logger
	Stop      chan struct{}
}

func (s *Scheduler) Start() {
	tick := s.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	ticker := time.NewTicker(tick)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick(time.Now())
			}
		}
	}()
}

func (s *Scheduler) Close() {
	close(s.Stop)
}

func (s *Scheduler) tick(now time.Time) {
	ctx := context.Background()
	scheds, err := s.Store.ListEnabledSchedules(ctx)
	if err != nil {
		s.Logger.Printf("list schedules: %v", err)
		return
	}
	for _, sc := range scheds {
		if !isDue(sc.CronExpr, sc.LastRunAt, now) {
			continue
		}
		if s.Rdb != nil {
			ok, err := s.Rdb.SetNX(ctx, schedLockKey(sc.ID), "1", schedLockTTL).Result()
			if err != nil || !ok {
				continue
			}
		}

		runID, err := s.Store.CreateRun(ctx, sc.UserID, sc.Query, store.TriggerSchedule)
		if err != nil {
			s.Logger.Printf("create run for schedule %s: %v", sc.ID, err)
			continue
		}
		payload := streams.RunRequestedV1{
			RunID:   runID,
			UserID:  sc.UserID,
			Query:   sc.Query,
			Trigger: store.TriggerSchedule,
		}
		if _, err := s.Publisher.PublishRaw(ctx, s.Stream, streams.EventRunRequested, streams.PayloadV1, payload,
			streams.WithMaxLenApprox(s.MaxLen)); err != nil {
			s.Logger.Printf("enqueue schedule %s: %v", sc.ID, err)
			msg := "enqueue failed: " + err.Error()
			_ = s.Store.FinishRun(ctx, runID, store.RunStatusFailed, nil, &msg)
			continue
		}
		if err := s.Store.TouchSchedule(ctx, sc.ID, now); err != nil {
			s.Logger.Printf("touch schedule %s: %v", sc.ID, err)
		}
		s.Logger.Printf("schedule %s enqueued run %s", sc.ID, runID)
	}
}

func schedLockKey(id string) string { return "errand:sched:lock:" + id }

// isDue determines whether a schedule with cronSpec should run now given its
// last run time. Supports "@daily", "@hourly" and standard cron expressions;
// an invalid expression degrades to @daily.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
