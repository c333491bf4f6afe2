package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/ratelimit"
)

const (
	HeaderPrincipal  = "X-Principal"
	ContextPrincipal = "principal"
	ContextVerdict   = "ratelimit_verdict"
)

// Principal resolves the caller identity for the request. The simulator
// forwards its account id in X-Principal; anonymous callers fall back to
// their client IP so shared gateways still count per source.
func Principal(c *gin.Context) string {
	if p := c.GetHeader(HeaderPrincipal); p != "" {
		return p
	}
	return c.ClientIP()
}

// RateLimitMiddleware gates the request through the limiter for the given
// action. Denied requests get 429 with the full verdict so clients can
// back off precisely.
func RateLimitMiddleware(limiter *ratelimit.Limiter, action model.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := Principal(c)
		c.Set(ContextPrincipal, principal)

		verdict := limiter.Check(c.Request.Context(), principal, action, map[string]any{
			"endpoint":   c.FullPath(),
			"user_agent": c.Request.UserAgent(),
			"client_ip":  c.ClientIP(),
		})
		c.Set(ContextVerdict, verdict)

		if !verdict.Allowed {
			if verdict.RetryAfterMs > 0 {
				c.Header("Retry-After-Ms", strconv.FormatInt(verdict.RetryAfterMs, 10))
			}
			c.JSON(http.StatusTooManyRequests, verdict)
			c.Abort()
			return
		}

		c.Next()
	}
}
