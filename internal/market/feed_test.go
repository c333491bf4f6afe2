package market

import (
	"context"
	"sync"
	"testing"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
)

type captureAnalyzer struct {
	mu     sync.Mutex
	trades []model.Trade
}

func (c *captureAnalyzer) Analyze(_ context.Context, t model.Trade) model.ScoredVerdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades = append(c.trades, t)
	return model.ScoredVerdict{TradeID: t.ID}
}

func (c *captureAnalyzer) seen() []model.Trade {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Trade(nil), c.trades...)
}

func TestHandleMessageParsesTrades(t *testing.T) {
	sink := &captureAnalyzer{}
	f := NewTradeFeed(config.FeedConfig{}, sink)

	f.handleMessage([]byte(`[
		{"event_type":"trade","trade_id":"t1","market":"btc/usd","price":"100.5","size":"2","side":"BUY","principal":"alice","timestamp_ms":1765700000000},
		{"event_type":"heartbeat"},
		{"event_type":"fill","trade_id":"t2","market":"ETH/USD","price":"20.25","size":"1.5","side":"SELL","principal":"bob","timestamp_ms":1765700001000}
	]`))

	trades := sink.seen()
	if len(trades) != 2 {
		t.Fatalf("analyzed %d trades, want 2", len(trades))
	}
	if trades[0].ID != "t1" || trades[0].NormalizedSymbol() != "BTC/USD" {
		t.Fatalf("first trade = %+v", trades[0])
	}
	if got := trades[0].Price.InexactFloat64(); got != 100.5 {
		t.Fatalf("price = %v", got)
	}
	if trades[1].Principal != "bob" || trades[1].Side != "SELL" {
		t.Fatalf("second trade = %+v", trades[1])
	}
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	sink := &captureAnalyzer{}
	f := NewTradeFeed(config.FeedConfig{}, sink)

	f.handleMessage([]byte(`not json at all`))
	f.handleMessage([]byte(`{"event_type":"trade","trade_id":"bad","price":"not-a-number","size":"1"}`))

	if got := len(sink.seen()); got != 0 {
		t.Fatalf("malformed messages produced %d trades", got)
	}
}

func TestSingleObjectMessage(t *testing.T) {
	sink := &captureAnalyzer{}
	f := NewTradeFeed(config.FeedConfig{}, sink)
	f.handleMessage([]byte(`{"event_type":"trade","trade_id":"t3","market":"X/Y","price":"1","size":"1","principal":"carol","timestamp_ms":1765700002000}`))
	if got := len(sink.seen()); got != 1 {
		t.Fatalf("analyzed %d trades, want 1", got)
	}
}
