// Package server is the HTTP API: auth, run enqueue/inspection, document
// uploads, schedules and expert statistics. It also hosts the cron scheduler
// that feeds the run queue.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/core"
	"github.com/mohammad-safakhou/errand/internal/agent/telemetry"
	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/queue/streams"
	"github.com/mohammad-safakhou/errand/internal/runtime"
	"github.com/mohammad-safakhou/errand/internal/store"
	"github.com/mohammad-safakhou/errand/internal/tool/builtin"
)

// Run wires storage, the queue, the orchestrator and all handlers into one
// echo process and serves until the listener stops.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	origins := cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	registerDocs(e)

	ctx := context.Background()

	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb, err := runtime.NewRedisClient(ctx, cfg.Storage.Redis)
	if err != nil {
		return err
	}

	otelTel, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName: "errand-server",
		MetricsPort: cfg.Telemetry.MetricsPort,
	})
	if err != nil {
		return err
	}
	defer func() { _ = otelTel.Shutdown(context.Background()) }()
	tel := telemetry.NewTelemetry(cfg.Telemetry)
	defer tel.Shutdown()

	llm, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}

	mem := memory.NewService(cfg.Memory, memory.StoreSource{Store: st}, llm, cfg.LLM.DefaultEmbeddingModel(), nil)

	registry, err := builtin.BuildRegistry(cfg, llm, mem)
	if err != nil {
		return err
	}
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch, err := core.NewOrchestrator(cfg, orchLogger, tel, registry)
	if err != nil {
		return err
	}
	if stats, err := st.LoadExpertStats(ctx); err != nil {
		baseLogger.Printf("expert stats load: %v", err)
	} else {
		for _, s := range stats {
			orch.SeedPerformance(s.Expert, s.Success, s.Total)
		}
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	reg, err := streams.NewRunRegistry()
	if err != nil {
		return err
	}
	pub := streams.NewPublisher(rdb, reg)

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(runtime.EchoAuthMiddleware(secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(200, MeResponse{UserID: c.Get("user_id").(string)})
	})

	rh := NewRunsHandler(cfg, st, orch, mem, pub)
	rh.Register(api.Group("/runs"), secret)
	rh.RegisterExperts(api.Group("/experts"), secret)

	dh := &DocumentsHandler{Store: st, Mem: mem}
	dh.Register(api.Group("/documents"), secret)

	sh := &SchedulesHandler{Store: st}
	sh.Register(api.Group("/schedules"), secret)

	oh := &OpsHandler{Orch: orch, Tel: tel}
	oh.Register(api.Group("/ops"), secret)

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{
			Store:     st,
			Rdb:       rdb,
			Publisher: pub,
			Stream:    cfg.Queue.RunStream,
			MaxLen:    cfg.Queue.MaxLen,
			Tick:      cfg.Scheduler.Tick,
			Logger:    log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
			Stop:      make(chan struct{}),
		}
		sched.Start()
		defer sched.Close()
	}

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":10011"
		}
	}
	baseLogger.Printf("listening on %s", addr)
	return e.Start(addr)
}
