package inspection

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
)

// Handler provides HTTP endpoints for inspections and settlement.
type Handler struct {
	service *Service
}

// NewHandler creates a new inspection handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up inspection routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	recyclers := auth.RequireRole(auth.RoleRecycler)

	r.POST("/pickups/:id/received", recyclers, h.ConfirmReceived)
	r.GET("/pickups/:id/inspection", h.GetByPickup)
	r.GET("/inspections/:id", h.GetInspection)
	r.POST("/inspections/:id/report", recyclers, h.RecordInspection)
	r.POST("/inspections/:id/complete", recyclers, h.CompleteInspection)
	r.POST("/inspections/:id/propose", recyclers, h.ProposePayment)
	r.POST("/inspections/:id/finalize", recyclers, h.FinalizePayment)
	r.POST("/inspections/:id/reject", recyclers, h.Reject)
	r.GET("/recyclers/:id/inspections", recyclers, h.ListByRecycler)
}

type amountRequest struct {
	Amount *decimal.Decimal `json:"amount" binding:"required"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func respondRecord(c *gin.Context, r *Record, err error) {
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"inspection": r})
}

// ConfirmReceived handles POST /v1/pickups/:id/received
func (h *Handler) ConfirmReceived(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	r, err := h.service.ConfirmReceived(c.Request.Context(), actor, c.Param("id"))
	respondRecord(c, r, err)
}

// GetByPickup handles GET /v1/pickups/:id/inspection
func (h *Handler) GetByPickup(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	r, err := h.service.GetByPickup(c.Request.Context(), actor, c.Param("id"))
	respondRecord(c, r, err)
}

// GetInspection handles GET /v1/inspections/:id
func (h *Handler) GetInspection(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	r, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	respondRecord(c, r, err)
}

// RecordInspection handles POST /v1/inspections/:id/report
func (h *Handler) RecordInspection(c *gin.Context) {
	var req ReportUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	r, err := h.service.RecordInspection(c.Request.Context(), actor, c.Param("id"), req)
	respondRecord(c, r, err)
}

// CompleteInspection handles POST /v1/inspections/:id/complete
func (h *Handler) CompleteInspection(c *gin.Context) {
	var req notesRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c)
			return
		}
	}
	actor, _ := auth.GetActor(c)
	r, err := h.service.CompleteInspection(c.Request.Context(), actor, c.Param("id"), req.Notes)
	respondRecord(c, r, err)
}

// ProposePayment handles POST /v1/inspections/:id/propose
func (h *Handler) ProposePayment(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	r, err := h.service.ProposePayment(c.Request.Context(), actor, c.Param("id"), *req.Amount)
	respondRecord(c, r, err)
}

// FinalizePayment handles POST /v1/inspections/:id/finalize
func (h *Handler) FinalizePayment(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	r, err := h.service.FinalizePayment(c.Request.Context(), actor, c.Param("id"), *req.Amount)
	respondRecord(c, r, err)
}

// Reject handles POST /v1/inspections/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)
	r, err := h.service.Reject(c.Request.Context(), actor, c.Param("id"), req.Reason)
	respondRecord(c, r, err)
}

// ListByRecycler handles GET /v1/recyclers/:id/inspections?limit=
func (h *Handler) ListByRecycler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	actor, _ := auth.GetActor(c)
	list, err := h.service.ListByRecycler(c.Request.Context(), actor, c.Param("id"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*Record{}
	}
	c.JSON(http.StatusOK, gin.H{"inspections": list, "count": len(list)})
}
