package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/logging"
)

const (
	defaultStaleAfter = 15 * time.Minute
	maxListLimit      = 1000
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	payments   Payments
	reconciler Reconciler
	realtime   StatsSource
	breaker    BreakerState
	sweeps     SweepHistory
	now        func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(pay Payments) *Handler {
	return &Handler{payments: pay, now: time.Now}
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithRealtime exposes realtime hub counters.
func (h *Handler) WithRealtime(s StatsSource) *Handler {
	h.realtime = s
	return h
}

// WithBreaker exposes the gateway circuit breaker.
func (h *Handler) WithBreaker(b BreakerState) *Handler {
	h.breaker = b
	return h
}

// WithSweepHistory exposes the last scheduled sweep on the status route.
func (h *Handler) WithSweepHistory(s SweepHistory) *Handler {
	h.sweeps = s
	return h
}

// RegisterRoutes sets up admin routes. The caller mounts them behind an
// operator role check.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/payments/stale", h.listStale)
	r.POST("/admin/payments/:id/reconcile", h.reconcilePayment)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/status", h.status)
}

// listStale returns payments still Pending after olderThan (default 15m).
func (h *Handler) listStale(c *gin.Context) {
	olderThan := defaultStaleAfter
	if v := c.Query("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			apperr.Respond(c, apperr.Validation("olderThan", "must be a duration such as 15m"))
			return
		}
		olderThan = d
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxListLimit {
			limit = parsed
		}
	}

	list, err := h.payments.ListPendingBefore(c.Request.Context(), h.now().Add(-olderThan), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}

// reconcilePayment re-checks one payment against the gateway.
func (h *Handler) reconcilePayment(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := h.payments.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	changed, err := h.payments.Reconcile(ctx, p)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if changed {
		if p, err = h.payments.Get(ctx, p.ID); err != nil {
			apperr.Respond(c, err)
			return
		}
	}
	logging.L(ctx).Info("payment reconciled by operator", "paymentId", p.ID, "changed", changed, "status", p.Status)
	c.JSON(http.StatusOK, gin.H{"payment": p, "changed": changed})
}

// triggerReconciliation runs a full sweep synchronously.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "reconciliation is not configured"})
		return
	}

	res, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil && res == nil {
		apperr.Respond(c, err)
		return
	}
	body := gin.H{"result": res}
	if err != nil {
		body["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// status reports breaker, realtime and scheduled sweep state.
func (h *Handler) status(c *gin.Context) {
	body := gin.H{}
	if h.breaker != nil {
		open := h.breaker.OpenKeys()
		if open == nil {
			open = []string{}
		}
		body["gatewayOpenCircuits"] = open
	}
	if h.realtime != nil {
		body["realtime"] = h.realtime.Stats()
	}
	if h.sweeps != nil {
		if res, at, err := h.sweeps.LastRun(); !at.IsZero() {
			last := gin.H{"at": at.UTC(), "result": res}
			if err != nil {
				last["errors"] = err.Error()
			}
			body["lastSweep"] = last
		}
	}
	c.JSON(http.StatusOK, body)
}
