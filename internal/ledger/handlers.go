package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/ecollect/internal/apperr"
)

// Handler exposes the audit chain read endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new audit chain handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/verify", h.Verify)
	r.GET("/audit/subjects/:id", h.ListBySubject)
}

// Verify handles GET /v1/audit/verify
func (h *Handler) Verify(c *gin.Context) {
	res, err := h.service.VerifyChain(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

// ListBySubject handles GET /v1/audit/subjects/:id
func (h *Handler) ListBySubject(c *gin.Context) {
	entries, err := h.service.ListBySubject(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
