package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/errand/internal/helpers"
	"github.com/mohammad-safakhou/errand/internal/memory"
	"github.com/mohammad-safakhou/errand/internal/runtime"
	"github.com/mohammad-safakhou/errand/internal/store"
)

// DocumentsHandler persists uploaded text documents and indexes them into the
// user's memory so document_reader and retrieve can reach them.
type DocumentsHandler struct {
	Store *store.Store
	Mem   *memory.Service
}

func (h *DocumentsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.upload)
	g.GET("", h.list)
}

// Upload
//
//	@Summary		Upload a document
//	@Description	Store a text document and index it for retrieval
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		UploadDocumentRequest	true	"Document payload"
//	@Success		201		{object}	UploadDocumentResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/documents [post]
func (h *DocumentsHandler) upload(c echo.Context) error {
	var req UploadDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// documents are stored and indexed as plain text, whatever was uploaded
	content := helpers.PlainText(req.Content)
	if strings.TrimSpace(req.Name) == "" || content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and content are required")
	}
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()

	id, err := h.Store.InsertDocument(ctx, userID, req.Name, content)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	chunks, err := h.Mem.AddDocument(ctx, userID, id, req.Name, content)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, UploadDocumentResponse{ID: id, Name: req.Name, Chunks: chunks})
}

// List
//
//	@Summary	List indexed documents
//	@Tags		documents
//	@Produce	json
//	@Success	200	{array}	memory.DocInfo
//	@Router		/api/documents [get]
func (h *DocumentsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	docs, err := h.Mem.Documents(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if docs == nil {
		docs = []memory.DocInfo{}
	}
	return c.JSON(http.StatusOK, docs)
}
