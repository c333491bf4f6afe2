package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newLimiter(t *testing.T, perSecond int) *ratelimit.Limiter {
	t.Helper()
	l := ratelimit.New(config.RateLimitConfig{
		MaxTradesPerSecond:     perSecond,
		MaxTradesPerMinute:     1000,
		MaxTradesPerHour:       10000,
		MaxTradesPerDay:        100000,
		BurstMultiplier:        3.0,
		BurstWindowMs:          1000,
		ConsecutiveViolations:  100,
		ViolationDecayMs:       600000,
		SoftBanDurationMs:      300000,
		HardBanDurationMs:      3600000,
		EscalationFactor:       2.0,
		SuspicionThreshold:     0.99,
		BanThreshold:           0.99,
		CleanupIntervalMinutes: 5,
	}, nil, nil)
	t.Cleanup(l.Close)
	return l
}

func TestRateLimitMiddlewareAllows(t *testing.T) {
	r := gin.New()
	r.Use(RateLimitMiddleware(newLimiter(t, 5), model.ActionTrade))
	r.POST("/v1/trades", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"principal": c.GetString(ContextPrincipal)})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/trades", nil)
	req.Header.Set(HeaderPrincipal, "alice")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "alice") {
		t.Fatalf("principal not propagated: %s", w.Body.String())
	}
}

func TestRateLimitMiddlewareDenies(t *testing.T) {
	r := gin.New()
	r.Use(RateLimitMiddleware(newLimiter(t, 1), model.ActionTrade))
	handled := 0
	r.POST("/v1/trades", func(c *gin.Context) {
		handled++
		c.Status(http.StatusOK)
	})

	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/trades", nil)
		req.Header.Set(HeaderPrincipal, "bob")
		r.ServeHTTP(w, req)
		return w
	}

	if w := send(); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := send()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", w.Code)
	}
	if handled != 1 {
		t.Fatalf("handler ran %d times", handled)
	}

	var verdict model.Verdict
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("deny body: %v", err)
	}
	if verdict.Allowed || verdict.Reason == "" {
		t.Fatalf("deny verdict = %+v", verdict)
	}
}

func TestPrincipalFallsBackToClientIP(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "10.1.2.3:4567"
	if got := Principal(c); got != "10.1.2.3" {
		t.Fatalf("principal = %q", got)
	}
}

func TestAdminMiddleware(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.AdminKey = "hunter2"

	r := gin.New()
	r.Use(AdminMiddleware(cfg))
	r.POST("/v1/admin/bans", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/bans", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/bans", nil)
	req.Header.Set(HeaderAdminKey, "hunter2")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid key = %d, want 200", w.Code)
	}
}

type fakeRecorder struct {
	events []string
	data   []map[string]any
}

func (f *fakeRecorder) Log(eventType string, data map[string]any, _ map[string]any) string {
	f.events = append(f.events, eventType)
	f.data = append(f.data, data)
	return "event_test"
}

func TestAuditMiddlewareRecordsRequest(t *testing.T) {
	rec := &fakeRecorder{}

	r := gin.New()
	r.Use(AuditMiddleware(rec, "ADMIN_API_ACCESS"))
	r.POST("/v1/admin/bans", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"banned": true})
	})

	body := bytes.NewBufferString(`{"principal":"mallory","kind":"HARD"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/bans", body)
	req.Header.Set(HeaderPrincipal, "admin-1")
	r.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id header not set")
	}
	if len(rec.events) != 1 || rec.events[0] != "ADMIN_API_ACCESS" {
		t.Fatalf("events = %v", rec.events)
	}
	data := rec.data[0]
	if data["method"] != http.MethodPost || data["status"] != http.StatusOK {
		t.Fatalf("data = %v", data)
	}
	reqBody, ok := data["request"].(map[string]any)
	if !ok || reqBody["principal"] != "mallory" {
		t.Fatalf("request body not captured: %v", data["request"])
	}
	respBody, ok := data["response"].(map[string]any)
	if !ok || respBody["banned"] != true {
		t.Fatalf("response body not captured: %v", data["response"])
	}
}
