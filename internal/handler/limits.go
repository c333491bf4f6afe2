package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/simexchange/trustgate/internal/middleware"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/ratelimit"
)

type LimitsHandler struct {
	limiter *ratelimit.Limiter
	usage   UsageStore
}

func NewLimitsHandler(limiter *ratelimit.Limiter, usage UsageStore) *LimitsHandler {
	return &LimitsHandler{limiter: limiter, usage: usage}
}

// Status reports the gate-wide counters.
func (h *LimitsHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.limiter.Status())
}

// PrincipalState reports the caller's own gate state, or another
// principal's when named in the path.
func (h *LimitsHandler) PrincipalState(c *gin.Context) {
	principal := c.Param("principal")
	if principal == "" {
		principal = middleware.Principal(c)
	}
	c.JSON(http.StatusOK, gin.H{
		"principal": principal,
		"state":     h.limiter.State(c.Request.Context(), principal),
	})
}

// Probe runs a query-action check for the caller without consuming a
// domain action, so clients can inspect remaining headroom.
func (h *LimitsHandler) Probe(c *gin.Context) {
	principal := middleware.Principal(c)
	verdict := h.limiter.Check(c.Request.Context(), principal, model.ActionQuery, map[string]any{
		"endpoint": c.FullPath(),
	})
	status := http.StatusOK
	if !verdict.Allowed {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, verdict)
}

// Usage reports the caller's accumulated trade count and volume for the
// current UTC day.
func (h *LimitsHandler) Usage(c *gin.Context) {
	if h.usage == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "usage tracking not configured"})
		return
	}
	principal := middleware.Principal(c)
	count, volume, err := h.usage.GetDailyUsage(c.Request.Context(), principal)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"principal": principal,
		"trades":    count,
		"volume":    volume,
	})
}
