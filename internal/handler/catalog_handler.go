package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// CatalogHandler lists tests for the administrator's start dialog.
type CatalogHandler struct {
	catalog *service.CatalogService
	log     zerolog.Logger
}

func NewCatalogHandler(catalog *service.CatalogService, log zerolog.Logger) *CatalogHandler {
	return &CatalogHandler{
		catalog: catalog,
		log:     log.With().Str("component", "catalog_handler").Logger(),
	}
}

// ListTests godoc
// GET /api/v1/admin/tests
func (h *CatalogHandler) ListTests(c *gin.Context) {
	tests, err := h.catalog.ListTests(c.Request.Context())
	if err != nil {
		failService(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"tests": tests})
}
