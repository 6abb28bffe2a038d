package webhooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/events"
	"github.com/mbd888/ecollect/internal/idgen"
)

var knownEvents = map[events.Type]bool{
	events.TypePickupStatusChanged: true,
	events.TypeInspectionUpdated:   true,
	events.TypePaymentResolved:     true,
	events.TypePickupMediaReleased: true,
}

// Handler provides HTTP endpoints for subscription management.
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, urlValidator: ValidateURL}
}

// RegisterProtectedRoutes sets up subscription routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.CreateSubscription)
	r.GET("/subscriptions", h.ListSubscriptions)
	r.DELETE("/subscriptions/:id", h.DeleteSubscription)
}

// CreateSubscriptionRequest registers a webhook. RecipientID is only
// honored for operators.
type CreateSubscriptionRequest struct {
	RecipientID string   `json:"recipientId"`
	URL         string   `json:"url" binding:"required"`
	Events      []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c)
		return
	}
	actor, _ := auth.GetActor(c)

	recipient := actor.ID
	if actor.IsOperator() && req.RecipientID != "" {
		recipient = req.RecipientID
	}
	if err := h.urlValidator(req.URL); err != nil {
		apperr.Respond(c, err)
		return
	}
	if len(req.Events) == 0 {
		apperr.Respond(c, apperr.Validation("events", "at least one event is required"))
		return
	}
	evs := make([]events.Type, 0, len(req.Events))
	for _, e := range req.Events {
		et := events.Type(e)
		if !knownEvents[et] {
			apperr.Respond(c, apperr.Validation("events", "unknown event "+e))
			return
		}
		evs = append(evs, et)
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:          idgen.WithPrefix("wh_"),
		RecipientID: recipient,
		URL:         req.URL,
		Secret:      secret,
		Events:      evs,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret, // only shown once
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(body, secret), hex encoded",
			"header":    HeaderSignature,
		},
	})
}

// ListSubscriptions handles GET /v1/subscriptions?recipientId=
func (h *Handler) ListSubscriptions(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	recipient := actor.ID
	if r := c.Query("recipientId"); r != "" && r != actor.ID {
		if !actor.IsOperator() {
			apperr.Respond(c, apperr.Forbidden("may only list your own subscriptions"))
			return
		}
		recipient = r
	}

	subs, err := h.store.ListByRecipient(c.Request.Context(), recipient)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /v1/subscriptions/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	actor, _ := auth.GetActor(c)

	sub, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if sub.RecipientID != actor.ID && !actor.IsOperator() {
		apperr.Respond(c, apperr.Forbidden("not your subscription"))
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
