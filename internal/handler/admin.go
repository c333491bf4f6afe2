package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/simexchange/trustgate/internal/pkg/apperrors"
	"github.com/simexchange/trustgate/internal/ratelimit"
	"github.com/simexchange/trustgate/internal/repository"
)

type AdminHandler struct {
	limiter *ratelimit.Limiter
	archive *repository.AuditArchive
}

// NewAdminHandler builds the admin surface. archive may be nil when no
// database is configured; the archive endpoint then reports 503.
func NewAdminHandler(limiter *ratelimit.Limiter, archive *repository.AuditArchive) *AdminHandler {
	return &AdminHandler{limiter: limiter, archive: archive}
}

type banRequest struct {
	Principal  string `json:"principal" binding:"required"`
	Kind       string `json:"kind"`
	DurationMs int64  `json:"duration_ms"`
	Reason     string `json:"reason"`
}

// Ban imposes a manual soft or hard ban on a principal.
func (h *AdminHandler) Ban(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	kind := ratelimit.BanKind(req.Kind)
	switch kind {
	case "":
		kind = ratelimit.BanHard
	case ratelimit.BanSoft, ratelimit.BanHard:
	default:
		c.Error(apperrors.NewInvalidRequest("kind must be soft or hard"))
		return
	}

	var d time.Duration
	if req.DurationMs > 0 {
		d = time.Duration(req.DurationMs) * time.Millisecond
	}

	rec := h.limiter.Ban(c.Request.Context(), req.Principal, kind, d, req.Reason)
	c.JSON(http.StatusOK, rec)
}

// Unban lifts any active ban for the principal.
func (h *AdminHandler) Unban(c *gin.Context) {
	principal := c.Param("principal")
	if principal == "" {
		c.Error(apperrors.NewInvalidRequest("principal is required"))
		return
	}
	removed := h.limiter.Unban(c.Request.Context(), principal)
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"principal": principal, "removed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": principal, "removed": true})
}

// Archive queries the long-term audit store in the database.
func (h *AdminHandler) Archive(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit archive not configured"})
		return
	}
	from, to, err := timeRange(c)
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	rows, err := h.archive.Query(c.Request.Context(), c.Query("event_type"), c.Query("user_id"), from, to, limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rows), "entries": rows})
}
