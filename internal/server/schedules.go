package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/errand/internal/runtime"
	"github.com/mohammad-safakhou/errand/internal/store"
)

// SchedulesHandler manages recurring queries.
type SchedulesHandler struct {
	Store *store.Store
}

func (h *SchedulesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.DELETE("/:id", h.remove)
}

// Create
//
//	@Summary		Register a recurring query
//	@Description	Cron expressions support @daily, @hourly and 5-field specs
//	@Tags			schedules
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		CreateScheduleRequest	true	"Schedule payload"
//	@Success		201		{object}	IDResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/schedules [post]
func (h *SchedulesHandler) create(c echo.Context) error {
	var req CreateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if err := validateCron(req.CronExpr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	userID := c.Get("user_id").(string)
	id, err := h.Store.CreateSchedule(c.Request().Context(), userID, req.Query, req.CronExpr)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// List
//
//	@Summary	List schedules
//	@Tags		schedules
//	@Produce	json
//	@Success	200	{array}	store.Schedule
//	@Router		/api/schedules [get]
func (h *SchedulesHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	scheds, err := h.Store.ListSchedules(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if scheds == nil {
		scheds = []store.Schedule{}
	}
	return c.JSON(http.StatusOK, scheds)
}

// Remove
//
//	@Summary	Delete a schedule
//	@Tags		schedules
//	@Param		id	path	string	true	"Schedule ID"
//	@Success	204	{string}	string	"No Content"
//	@Failure	404	{object}	HTTPError
//	@Router		/api/schedules/{id} [delete]
func (h *SchedulesHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	err := h.Store.DeleteSchedule(c.Request().Context(), c.Param("id"), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func validateCron(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return errors.New("cron_expr is required")
	}
	if _, err := cronexpr.Parse(spec); err != nil {
		return errors.New("invalid cron expression: " + err.Error())
	}
	return nil
}
