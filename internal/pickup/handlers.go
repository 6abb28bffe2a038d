package pickup

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
)

// Handler provides HTTP endpoints for pickups.
type Handler struct {
	service *Service
}

// NewHandler creates a new pickup handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up pickup routes. Every route needs an actor;
// per-pickup authorization happens in the service.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/pickups", h.CreatePickup)
	r.GET("/pickups", h.ListPickups)
	r.GET("/pickups/:id", h.GetPickup)
	r.POST("/pickups/:id/assign-recycler", auth.RequireRole(auth.RoleOperator), h.AssignRecycler)
	r.POST("/pickups/:id/assign-agent", auth.RequireRole(auth.RoleRecycler), h.AssignAgent)
	r.POST("/pickups/:id/advance", h.Advance)
	r.POST("/pickups/:id/cancel", h.Cancel)
	r.POST("/pickups/:id/media", h.AttachMedia)
	r.DELETE("/pickups/:id", h.DeletePickup)
}

type assignRecyclerRequest struct {
	RecyclerID string `json:"recyclerId" binding:"required"`
}

type assignAgentRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

type advanceRequest struct {
	Status Status `json:"status" binding:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type mediaRequest struct {
	Media []Media `json:"media"`
}

func respondPickup(c *gin.Context, status int, p *Pickup, err error) {
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(status, gin.H{"pickup": p})
}

// CreatePickup handles POST /v1/pickups
func (h *Handler) CreatePickup(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	p, err := h.service.Create(c.Request.Context(), actor, req)
	respondPickup(c, http.StatusCreated, p, err)
}

// GetPickup handles GET /v1/pickups/:id
func (h *Handler) GetPickup(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	p, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	respondPickup(c, http.StatusOK, p, err)
}

// ListPickups handles GET /v1/pickups?requesterId=&recyclerId=&agentId=&status=&cursor=&limit=
func (h *Handler) ListPickups(c *gin.Context) {
	q := Query{
		RequesterID: c.Query("requesterId"),
		RecyclerID:  c.Query("recyclerId"),
		AgentID:     c.Query("agentId"),
	}
	if s := c.Query("status"); s != "" {
		status, err := ParseStatus(s)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		q.Status = status
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			apperr.Respond(c, apperr.Validation("limit", "must be an integer"))
			return
		}
		q.Limit = n
	}

	actor, _ := auth.GetActor(c)
	page, err := h.service.List(c.Request.Context(), actor, q, c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// AssignRecycler handles POST /v1/pickups/:id/assign-recycler
func (h *Handler) AssignRecycler(c *gin.Context) {
	var req assignRecyclerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	p, err := h.service.AssignRecycler(c.Request.Context(), actor, c.Param("id"), req.RecyclerID)
	respondPickup(c, http.StatusOK, p, err)
}

// AssignAgent handles POST /v1/pickups/:id/assign-agent
func (h *Handler) AssignAgent(c *gin.Context) {
	var req assignAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	p, err := h.service.AssignAgent(c.Request.Context(), actor, c.Param("id"), req.AgentID)
	respondPickup(c, http.StatusOK, p, err)
}

// Advance handles POST /v1/pickups/:id/advance
func (h *Handler) Advance(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	p, err := h.service.Advance(c.Request.Context(), actor, c.Param("id"), req.Status)
	respondPickup(c, http.StatusOK, p, err)
}

// Cancel handles POST /v1/pickups/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	p, err := h.service.Cancel(c.Request.Context(), actor, c.Param("id"), req.Reason)
	respondPickup(c, http.StatusOK, p, err)
}

// AttachMedia handles POST /v1/pickups/:id/media
func (h *Handler) AttachMedia(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	p, err := h.service.AttachMedia(c.Request.Context(), actor, c.Param("id"), req.Media)
	respondPickup(c, http.StatusOK, p, err)
}

// DeletePickup handles DELETE /v1/pickups/:id
func (h *Handler) DeletePickup(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	if err := h.service.Delete(c.Request.Context(), actor, c.Param("id")); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
