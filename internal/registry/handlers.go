package registry

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
)

// Handler provides HTTP endpoints for the participant registry.
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up registry routes. Writes are operator-only.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/participants", h.ListParticipants)
	r.GET("/participants/:id", h.GetParticipant)
	r.POST("/participants", auth.RequireRole(auth.RoleOperator), h.RegisterParticipant)
	r.DELETE("/participants/:id", auth.RequireRole(auth.RoleOperator), h.DeactivateParticipant)
}

// RegisterParticipant handles POST /v1/participants
func (h *Handler) RegisterParticipant(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	p, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"participant": p})
}

// GetParticipant handles GET /v1/participants/:id
func (h *Handler) GetParticipant(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": p})
}

// ListParticipants handles GET /v1/participants?kind=&active=
func (h *Handler) ListParticipants(c *gin.Context) {
	var kind Kind
	if k := c.Query("kind"); k != "" {
		parsed, err := ParseKind(k)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		kind = parsed
	}
	list, err := h.service.List(c.Request.Context(), kind, c.Query("active") == "true")
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*Participant{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": list, "count": len(list)})
}

// DeactivateParticipant handles DELETE /v1/participants/:id
func (h *Handler) DeactivateParticipant(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
