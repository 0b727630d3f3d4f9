package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/errand/config"
	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/store"
)

func TestUploadDocumentStoresAndIndexes(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mem := memory.NewService(config.MemoryConfig{}, nil, nil, "", nil)
	h := &DocumentsHandler{Store: &store.Store{DB: db}, Mem: mem}

	content := strings.Repeat("quarterly revenue grew by twelve percent. ", 20)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO documents (user_id, name, content) VALUES ($1,$2,$3) RETURNING id`)).
		WithArgs("user-1", "report.txt", content).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))

	body, _ := json.Marshal(UploadDocumentRequest{Name: "report.txt", Content: content})
	ctx, rec := authedRequest(e, http.MethodPost, "/api/documents", string(body))
	if err := h.upload(ctx); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	var resp UploadDocumentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "doc-1" || resp.Chunks < 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// the indexed document shows up in the listing
	listCtx, listRec := authedRequest(e, http.MethodGet, "/api/documents", "")
	if err := h.list(listCtx); err != nil {
		t.Fatalf("list: %v", err)
	}
	var docs []memory.DocInfo
	if err := json.Unmarshal(listRec.Body.Bytes(), &docs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc-1" || docs[0].Name != "report.txt" {
		t.Fatalf("unexpected docs: %+v", docs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUploadDocumentStripsMarkup(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mem := memory.NewService(config.MemoryConfig{}, nil, nil, "", nil)
	h := &DocumentsHandler{Store: &store.Store{DB: db}, Mem: mem}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO documents (user_id, name, content) VALUES ($1,$2,$3) RETURNING id`)).
		WithArgs("user-1", "page.html", "Hello world").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-2"))

	body, _ := json.Marshal(UploadDocumentRequest{
		Name:    "page.html",
		Content: `<p>Hello <b>world</b></p><script>alert(1)</script>`,
	})
	ctx, rec := authedRequest(e, http.MethodPost, "/api/documents", string(body))
	if err := h.upload(ctx); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUploadDocumentRequiresFields(t *testing.T) {
	e := echo.New()
	mem := memory.NewService(config.MemoryConfig{}, nil, nil, "", nil)
	h := &DocumentsHandler{Mem: mem}

	ctx, _ := authedRequest(e, http.MethodPost, "/api/documents", `{"name":"x.txt"}`)
	err := h.upload(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}

	// markup-only content sanitizes to nothing and is rejected too
	ctx, _ = authedRequest(e, http.MethodPost, "/api/documents", `{"name":"x.html","content":"<script>alert(1)</script>"}`)
	err = h.upload(ctx)
	httpErr, ok = err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error for markup-only content, got %#v", err)
	}
}
