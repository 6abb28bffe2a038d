package payments

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
)

// Signature headers accepted on webhook deliveries.
const (
	HeaderSignature       = "X-Gateway-Signature"
	HeaderRazorpaySig     = "X-Razorpay-Signature"
	HeaderEventID         = "X-Gateway-Event-Id"
	HeaderRazorpayEventID = "X-Razorpay-Event-Id"
)

const maxWebhookBody = 256 << 10

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterWebhookRoutes sets up the unauthenticated, signature-checked
// gateway webhook.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Webhook)
}

// RegisterProtectedRoutes sets up routes that need an API key.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/confirm", h.Confirm)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/pickups/:id/payments", h.ListByPickup)
	r.POST("/payments/:id/refund", auth.RequireRole(auth.RoleOperator), h.Refund)
}

// Confirm handles POST /v1/payments/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}

	actor, _ := auth.GetActor(c)

	res, err := h.service.ConfirmFor(c.Request.Context(), actor, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Webhook handles POST /v1/webhooks/gateway. The body is read raw because the
// signature covers the exact bytes sent.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		apperr.BadRequest(c)
		return
	}

	sig := c.GetHeader(HeaderSignature)
	if sig == "" {
		sig = c.GetHeader(HeaderRazorpaySig)
	}
	eventID := c.GetHeader(HeaderEventID)
	if eventID == "" {
		eventID = c.GetHeader(HeaderRazorpayEventID)
	}

	res, err := h.service.HandleWebhook(c.Request.Context(), body, sig, eventID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	p, err := h.service.GetFor(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListByPickup handles GET /v1/pickups/:id/payments
func (h *Handler) ListByPickup(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	list, err := h.service.ListForPickup(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}

// Refund handles POST /v1/payments/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)

	p, err := h.service.Refund(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}
