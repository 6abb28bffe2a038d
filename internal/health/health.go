// Package health provides a registry of named subsystem health checkers and
// the liveness and readiness endpoints built on it.
package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping reports a subsystem healthy when it answers a ping.
func Ping(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// OpenKeyser is implemented by circuitbreaker.Breaker.
type OpenKeyser interface {
	OpenKeys() []string
}

// Breaker reports unhealthy while any circuit is open.
func Breaker(name string, b OpenKeyser) Checker {
	return func(context.Context) Status {
		if open := b.OpenKeys(); len(open) > 0 {
			return Status{Name: name, Healthy: false, Detail: "open: " + strings.Join(open, ",")}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Running reports a background worker healthy while it runs.
func Running(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Handler serves /health, /health/live and /health/ready.
type Handler struct {
	registry *Registry
	version  string
	started  time.Time
}

// NewHandler creates a health handler.
func NewHandler(registry *Registry, version string) *Handler {
	return &Handler{registry: registry, version: version, started: time.Now()}
}

// RegisterRoutes mounts the health endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Ready)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Live answers as long as the process serves requests.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready runs every registered checker.
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	healthy, statuses := h.registry.CheckAll(ctx)
	code, status := http.StatusOK, "healthy"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":  status,
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"checks":  statuses,
	})
}
