package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/errand/internal/store"
)

func newSchedulesHandler(t *testing.T) (*SchedulesHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &SchedulesHandler{Store: &store.Store{DB: db}}, mock, func() { db.Close() }
}

func TestCreateSchedule(t *testing.T) {
	e := echo.New()
	h, mock, done := newSchedulesHandler(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO schedules (user_id, query, cron_expr, enabled) VALUES ($1,$2,$3,true) RETURNING id`)).
		WithArgs("user-1", "morning news digest", "@daily").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sched-1"))

	ctx, rec := authedRequest(e, http.MethodPost, "/api/schedules", `{"query":"morning news digest","cron_expr":"@daily"}`)
	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "sched-1" {
		t.Fatalf("unexpected id %q", resp.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateScheduleValidatesCron(t *testing.T) {
	e := echo.New()
	h, _, done := newSchedulesHandler(t)
	defer done()

	ctx, _ := authedRequest(e, http.MethodPost, "/api/schedules", `{"query":"q","cron_expr":"every other tuesday"}`)
	err := h.create(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
}

func TestCreateScheduleAcceptsCronFields(t *testing.T) {
	e := echo.New()
	h, mock, done := newSchedulesHandler(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO schedules (user_id, query, cron_expr, enabled) VALUES ($1,$2,$3,true) RETURNING id`)).
		WithArgs("user-1", "q", "30 7 * * 1-5").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sched-2"))

	ctx, rec := authedRequest(e, http.MethodPost, "/api/schedules", `{"query":"q","cron_expr":"30 7 * * 1-5"}`)
	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
}

func TestDeleteScheduleNotFound(t *testing.T) {
	e := echo.New()
	h, mock, done := newSchedulesHandler(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM schedules WHERE id=$1 AND user_id=$2`)).
		WithArgs("missing", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, _ := authedRequest(e, http.MethodDelete, "/api/schedules/missing", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("missing")

	err := h.remove(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 error, got %#v", err)
	}
}

func TestListSchedulesEmpty(t *testing.T) {
	e := echo.New()
	h, mock, done := newSchedulesHandler(t)
	defer done()

	mock.ExpectQuery(`SELECT id, user_id, query, cron_expr, enabled, last_run_at, created_at`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "query", "cron_expr", "enabled", "last_run_at", "created_at"}))

	ctx, rec := authedRequest(e, http.MethodGet, "/api/schedules", "")
	if err := h.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" && body != "[]" {
		t.Fatalf("expected empty array, got %q", body)
	}
}
