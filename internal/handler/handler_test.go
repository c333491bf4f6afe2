package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/simexchange/trustgate/internal/anomaly"
	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/middleware"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newDetector(t *testing.T) *anomaly.Detector {
	t.Helper()
	d := anomaly.NewDetector(config.AnomalyConfig{
		PriceZScore:         3.0,
		VolumeZScore:        3.0,
		VelocityZScore:      3.0,
		PriceGapPct:         0.1,
		ImpossibleProb:      0.0001,
		ProfitThreshold:     0.2,
		WashTradingScore:    0.8,
		HighFrequencyPerMin: 100,
		PriceHistoryMax:     100,
		ProfileTradesMax:    100,
		BehaviorWindowMax:   100,
		BollingerPeriod:     20,
		PumpWindowMinutes:   30,
		OffHoursStart:       22,
		OffHoursEnd:         6,
	}, nil)
	t.Cleanup(d.Close)
	return d
}

func newLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l := ratelimit.New(config.RateLimitConfig{
		MaxTradesPerSecond:     100,
		MaxTradesPerMinute:     1000,
		MaxTradesPerHour:       10000,
		MaxTradesPerDay:        100000,
		MaxQueriesPerSecond:    100,
		MaxQueriesPerMinute:    1000,
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

type memUsage struct {
	trades map[string]int
	volume map[string]float64
}

func newMemUsage() *memUsage {
	return &memUsage{trades: map[string]int{}, volume: map[string]float64{}}
}

func (m *memUsage) AddDailyUsage(_ context.Context, principal string, actions int, volume float64) error {
	m.trades[principal] += actions
	m.volume[principal] += volume
	return nil
}

func (m *memUsage) GetDailyUsage(_ context.Context, principal string) (int, float64, error) {
	return m.trades[principal], m.volume[principal], nil
}

func postJSON(r *gin.Engine, path, principal string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set(middleware.HeaderPrincipal, principal)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestTradeCheck(t *testing.T) {
	usage := newMemUsage()
	h := NewTradeHandler(newDetector(t), usage)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	r.POST("/v1/trades", func(c *gin.Context) {
		c.Set(middleware.ContextPrincipal, middleware.Principal(c))
		h.Check(c)
	})

	w := postJSON(r, "/v1/trades", "alice", map[string]any{
		"id": "t1", "symbol": "BTC/USD", "price": "100", "volume": "2", "side": "BUY",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Analysis model.ScoredVerdict `json:"analysis"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Analysis.TradeID != "t1" || resp.Analysis.Symbol != "BTC/USD" {
		t.Fatalf("analysis = %+v", resp.Analysis)
	}
	if resp.Analysis.Score != 0 {
		t.Fatalf("first trade scored %v", resp.Analysis.Score)
	}
	if usage.trades["alice"] != 1 || usage.volume["alice"] != 2 {
		t.Fatalf("usage = %d / %v", usage.trades["alice"], usage.volume["alice"])
	}
}

func TestTradeCheckRejectsBadInput(t *testing.T) {
	h := NewTradeHandler(newDetector(t), nil)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	r.POST("/v1/trades", h.Check)

	w := postJSON(r, "/v1/trades", "alice", map[string]any{"id": "t1", "price": "100", "volume": "1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing symbol = %d", w.Code)
	}

	w = postJSON(r, "/v1/trades", "alice", map[string]any{"id": "t2", "symbol": "X/Y", "price": "-5", "volume": "1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative price = %d", w.Code)
	}
}

func TestLimitsEndpoints(t *testing.T) {
	h := NewLimitsHandler(newLimiter(t), newMemUsage())

	r := gin.New()
	r.GET("/v1/limits/status", h.Status)
	r.GET("/v1/limits/probe", h.Probe)
	r.GET("/v1/limits/usage", h.Usage)
	r.GET("/v1/limits/state/:principal", h.PrincipalState)

	for _, path := range []string{"/v1/limits/status", "/v1/limits/probe", "/v1/limits/usage", "/v1/limits/state/alice"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(middleware.HeaderPrincipal, "alice")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s = %d, body %s", path, w.Code, w.Body.String())
		}
	}
}

func TestAdminBanUnban(t *testing.T) {
	limiter := newLimiter(t)
	h := NewAdminHandler(limiter, nil)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	r.POST("/v1/admin/bans", h.Ban)
	r.DELETE("/v1/admin/bans/:principal", h.Unban)

	w := postJSON(r, "/v1/admin/bans", "", map[string]any{
		"principal": "mallory", "kind": "hard", "reason": "manual review",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ban = %d, body %s", w.Code, w.Body.String())
	}
	if state := limiter.State(context.Background(), "mallory"); state != model.StateHardBanned {
		t.Fatalf("state after ban = %s", state)
	}

	v := limiter.Check(context.Background(), "mallory", model.ActionTrade, nil)
	if v.Allowed || v.Reason != model.ReasonUserBanned {
		t.Fatalf("banned verdict = %+v", v)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/admin/bans/mallory", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unban = %d", w.Code)
	}
	if state := limiter.State(context.Background(), "mallory"); state == model.StateHardBanned {
		t.Fatalf("still banned after unban")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/admin/bans/mallory", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("double unban = %d", w.Code)
	}
}

func TestAdminBanRejectsUnknownKind(t *testing.T) {
	h := NewAdminHandler(newLimiter(t), nil)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	r.POST("/v1/admin/bans", h.Ban)

	w := postJSON(r, "/v1/admin/bans", "", map[string]any{"principal": "x", "kind": "forever"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad kind = %d", w.Code)
	}
}

func TestArchiveUnconfigured(t *testing.T) {
	h := NewAdminHandler(newLimiter(t), nil)

	r := gin.New()
	r.GET("/v1/admin/audit/archive", h.Archive)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/audit/archive", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("archive = %d", w.Code)
	}
}
