package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/ecollect/internal/validation"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterProtectedRoutes sets up key routes. Callers mount them behind RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.DELETE("/keys/:keyId", h.RevokeKey)
	r.GET("/me", h.Me)
	r.POST("/keys", RequireRole(RoleOperator), h.CreateKey)
}

// CreateKeyRequest is the body of POST /v1/keys
type CreateKeyRequest struct {
	ActorID string `json:"actorId"`
	Role    string `json:"role"`
	Name    string `json:"name"`
}

// CreateKey handles POST /v1/keys (operators issue keys to other actors)
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.Required("actorId", req.ActorID),
		validation.MaxLength("name", req.Name, 100),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "role: must be requester, recycler, agent or operator"})
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.ActorID, role, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey": rawKey,
		"key":    key,
		"note":   "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns the caller's keys
func (h *Handler) ListKeys(c *gin.Context) {
	actor, _ := GetActor(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), actor.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey revokes one of the caller's keys
func (h *Handler) RevokeKey(c *gin.Context) {
	actor, _ := GetActor(c)
	err := h.manager.RevokeKey(c.Request.Context(), c.Param("keyId"), actor.ID)
	if errors.Is(err, ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Key not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// Me returns the authenticated actor
func (h *Handler) Me(c *gin.Context) {
	actor, _ := GetActor(c)
	c.JSON(http.StatusOK, actor)
}
