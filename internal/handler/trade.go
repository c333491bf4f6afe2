package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/simexchange/trustgate/internal/anomaly"
	"github.com/simexchange/trustgate/internal/middleware"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/pkg/apperrors"
	"github.com/simexchange/trustgate/internal/pkg/logger"
)

// UsageStore tracks cumulative daily volume per principal. Satisfied by
// *repository.RedisClient; nil disables tracking.
type UsageStore interface {
	AddDailyUsage(ctx context.Context, principal string, actions int, volume float64) error
	GetDailyUsage(ctx context.Context, principal string) (int, float64, error)
}

type TradeHandler struct {
	detector *anomaly.Detector
	usage    UsageStore
}

func NewTradeHandler(detector *anomaly.Detector, usage UsageStore) *TradeHandler {
	return &TradeHandler{detector: detector, usage: usage}
}

type tradeRequest struct {
	ID     string          `json:"id"`
	Symbol string          `json:"symbol"`
	Base   string          `json:"base"`
	Quote  string          `json:"quote"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Side   string          `json:"side"`
}

// Check scores one executed trade. The rate limit verdict comes from the
// middleware; callers that make it here were admitted.
func (h *TradeHandler) Check(c *gin.Context) {
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	trade := model.Trade{
		ID:        req.ID,
		Symbol:    req.Symbol,
		Base:      req.Base,
		Quote:     req.Quote,
		Price:     req.Price,
		Volume:    req.Volume,
		Principal: c.GetString(middleware.ContextPrincipal),
		Side:      req.Side,
		Timestamp: time.Now().UTC(),
	}
	if trade.NormalizedSymbol() == "" {
		c.Error(apperrors.NewInvalidRequest("symbol or base/quote is required"))
		return
	}
	if !trade.Price.IsPositive() {
		c.Error(apperrors.NewInvalidRequest("price must be positive"))
		return
	}

	verdict := h.detector.Analyze(c.Request.Context(), trade)

	if h.usage != nil {
		// Best effort; usage accounting never blocks the response.
		if err := h.usage.AddDailyUsage(c.Request.Context(), trade.Principal, 1, trade.Volume.InexactFloat64()); err != nil {
			logger.Warn("usage tracking failed", "principal", trade.Principal, "error", err)
		}
	}

	resp := gin.H{"analysis": verdict}
	if v, ok := c.Get(middleware.ContextVerdict); ok {
		resp["rate_limit"] = v
	}
	c.JSON(http.StatusOK, resp)
}

// Report exposes the per-symbol and per-principal analysis state.
func (h *TradeHandler) Report(c *gin.Context) {
	symbol := c.Query("symbol")
	principal := c.Query("principal")
	if symbol == "" && principal == "" {
		c.Error(apperrors.NewInvalidRequest("symbol or principal query is required"))
		return
	}
	c.JSON(http.StatusOK, h.detector.Report(symbol, principal))
}
