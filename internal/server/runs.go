package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/agent/core"
	"github.com/mohammad-safakhou/errand/internal/budget"
	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/queue/streams"
	"github.com/mohammad-safakhou/errand/internal/runtime"
	"github.com/mohammad-safakhou/errand/internal/store"
)

// runPublisher is the slice of the streams publisher the handler needs.
type runPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// RunsHandler serves run submission and inspection plus expert statistics.
type RunsHandler struct {
	store  *store.Store
	orch   *core.Orchestrator
	cfg    *config.Config
	mem    *memory.Service
	pub    runPublisher
	logger *log.Logger
}

func NewRunsHandler(cfg *config.Config, st *store.Store, orch *core.Orchestrator, mem *memory.Service, pub runPublisher) *RunsHandler {
	return &RunsHandler{
		store:  st,
		orch:   orch,
		cfg:    cfg,
		mem:    mem,
		pub:    pub,
		logger: log.New(log.Writer(), "[RUNS] ", log.LstdFlags),
	}
}

func (h *RunsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.enqueue)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/sync", h.runSync)
}

func (h *RunsHandler) RegisterExperts(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("/statistics", h.statistics)
}

// Enqueue
//
//	@Summary		Enqueue a run
//	@Description	Persist the query and publish a run request to the worker queue
//	@Tags			runs
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		CreateRunRequest	true	"Run payload"
//	@Success		202		{object}	RunEnqueuedResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/runs [post]
func (h *RunsHandler) enqueue(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()

	runID, err := h.store.CreateRun(ctx, userID, req.Query, store.TriggerManual)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	payload := streams.RunRequestedV1{
		RunID:     runID,
		UserID:    userID,
		Query:     req.Query,
		Trigger:   store.TriggerManual,
		MaxCost:   req.MaxCost,
		MaxTokens: req.MaxTokens,
	}
	if _, err := h.pub.PublishRaw(ctx, h.cfg.Queue.RunStream, streams.EventRunRequested, streams.PayloadV1, payload,
		streams.WithMaxLenApprox(h.cfg.Queue.MaxLen)); err != nil {
		msg := "enqueue failed: " + err.Error()
		_ = h.store.FinishRun(ctx, runID, store.RunStatusFailed, nil, &msg)
		return echo.NewHTTPError(http.StatusInternalServerError, msg)
	}
	return c.JSON(http.StatusAccepted, RunEnqueuedResponse{RunID: runID, Status: store.RunStatusQueued})
}

// Get
//
//	@Summary	Fetch one run
//	@Tags		runs
//	@Produce	json
//	@Param		id	path		string	true	"Run ID"
//	@Success	200	{object}	store.Run
//	@Failure	404	{object}	HTTPError
//	@Router		/api/runs/{id} [get]
func (h *RunsHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	run, ok, err := h.store.GetRun(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}

// List
//
//	@Summary	List recent runs
//	@Tags		runs
//	@Produce	json
//	@Param		limit	query		int	false	"Max rows (default 20)"
//	@Success	200		{array}		store.Run
//	@Router		/api/runs [get]
func (h *RunsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	runs, err := h.store.ListRuns(c.Request().Context(), userID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

// RunSync
//
//	@Summary		Execute a run synchronously
//	@Description	Runs the query in-process and returns the finished run record
//	@Tags			runs
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		CreateRunRequest	true	"Run payload"
//	@Success		200		{object}	store.Run
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/runs/sync [post]
func (h *RunsHandler) runSync(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()

	runID, err := h.store.CreateRun(ctx, userID, req.Query, store.TriggerManual)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.store.MarkRunRunning(ctx, runID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	runCtx := runtime.ContextWithSubject(ctx, userID)
	memCtx := h.mem.ContextString(runCtx, userID)

	limits := budget.Merge(budget.FromAppConfig(h.cfg.Budget), budget.Config{
		MaxCost:   req.MaxCost,
		MaxTokens: req.MaxTokens,
	})
	res := h.orch.RunWithBudget(runCtx, req.Query, memCtx, limits)

	status := store.RunStatusSucceeded
	var errMsg *string
	if res.Error {
		status = store.RunStatusFailed
		msg := res.ErrorMessage
		errMsg = &msg
	}
	if err := h.store.FinishRun(ctx, runID, status, &res, errMsg); err != nil {
		h.logger.Printf("finish run %s: %v", runID, err)
	}
	h.mem.AddTurn(userID, "user", req.Query)
	h.mem.AddTurn(userID, "assistant", res.FinalAnswer)
	h.persistPerformance(ctx)
	h.publishCompleted(ctx, runID, userID, status, res)

	run, ok, err := h.store.GetRun(ctx, runID, userID)
	if err != nil || !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "run record unavailable")
	}
	return c.JSON(http.StatusOK, run)
}

// Statistics
//
//	@Summary	Expert statistics
//	@Tags		experts
//	@Produce	json
//	@Success	200	{object}	core.Statistics
//	@Router		/api/experts/statistics [get]
func (h *RunsHandler) statistics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.orch.Statistics())
}

// persistPerformance snapshots the expert tracker into Postgres so counters
// survive restarts.
func (h *RunsHandler) persistPerformance(ctx context.Context) {
	for name, stat := range h.orch.PerformanceSnapshot() {
		if err := h.store.UpsertExpertStats(ctx, name, stat.Success, stat.Total); err != nil {
			h.logger.Printf("persist expert stats %s: %v", name, err)
		}
	}
}

func (h *RunsHandler) publishCompleted(ctx context.Context, runID, userID, status string, res core.Result) {
	if h.cfg.Queue.EventStream == "" {
		return
	}
	payload := streams.RunCompletedV1{
		RunID:      runID,
		UserID:     userID,
		Status:     status,
		Expert:     res.ExpertName,
		Answer:     res.FinalAnswer,
		TokensUsed: res.TokensUsed,
		Cost:       res.CostEstimate,
		DurationMS: res.ProcessingTime.Milliseconds(),
	}
	if _, err := h.pub.PublishRaw(ctx, h.cfg.Queue.EventStream, streams.EventRunCompleted, streams.PayloadV1, payload,
		streams.WithMaxLenApprox(h.cfg.Queue.MaxLen)); err != nil {
		h.logger.Printf("publish %s for run %s: %v", streams.EventRunCompleted, runID, err)
	}
}
