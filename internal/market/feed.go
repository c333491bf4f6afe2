package market

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/pkg/logger"
)

// Analyzer consumes executed trades; satisfied by *anomaly.Detector.
type Analyzer interface {
	Analyze(ctx context.Context, t model.Trade) model.ScoredVerdict
}

// wsTrade is the wire shape of one execution on the feed.
type wsTrade struct {
	EventType string `json:"event_type"`
	TradeID   string `json:"trade_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Principal string `json:"principal"`
	Timestamp int64  `json:"timestamp_ms"`
}

// TradeFeed subscribes to the simulator's execution stream and pushes
// each fill through the anomaly detector. Parse failures drop the
// message; connection failures reconnect with backoff.
type TradeFeed struct {
	cfg      config.FeedConfig
	analyzer Analyzer
	log      *slog.Logger

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewTradeFeed(cfg config.FeedConfig, analyzer Analyzer) *TradeFeed {
	return &TradeFeed{
		cfg:      cfg,
		analyzer: analyzer,
		log:      logger.Component("market"),
		stop:     make(chan struct{}),
	}
}

func (f *TradeFeed) Start() {
	f.wg.Add(1)
	go f.run()
}

func (f *TradeFeed) Stop() {
	f.closeOnce.Do(func() { close(f.stop) })
	f.wg.Wait()
}

func (f *TradeFeed) run() {
	defer f.wg.Done()
	backoff := time.Second
	for {
		select {
		case <-f.stop:
			return
		default:
		}
		if err := f.connectAndRead(); err != nil {
			f.log.Warn("feed disconnected", slog.Any("error", err), slog.Duration("retry_in", backoff))
		}
		select {
		case <-f.stop:
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *TradeFeed) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	if err := f.authenticate(conn); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{
		"type":         "subscribe",
		"channel_name": "executions",
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info("execution feed connected", slog.String("url", f.cfg.URL))

	for {
		select {
		case <-f.stop:
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(msg)
	}
}

func (f *TradeFeed) authenticate(conn *websocket.Conn) error {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	signStr := ts + "GET" + "/ws/executions"

	mac := hmac.New(sha256.New, []byte(f.cfg.ApiSecret))
	mac.Write([]byte(signStr))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return conn.WriteJSON(map[string]string{
		"type":      "auth",
		"key":       f.cfg.ApiKey,
		"signature": sig,
		"timestamp": ts,
	})
}

func (f *TradeFeed) handleMessage(raw []byte) {
	var msgs []wsTrade
	if err := json.Unmarshal(raw, &msgs); err != nil {
		var single wsTrade
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			f.log.Debug("unparseable feed message dropped", slog.Any("error", err2))
			return
		}
		msgs = []wsTrade{single}
	}
	for _, m := range msgs {
		if m.EventType != "trade" && m.EventType != "fill" {
			continue
		}
		t, err := m.toTrade()
		if err != nil {
			f.log.Debug("malformed trade dropped", slog.String("trade_id", m.TradeID), slog.Any("error", err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		verdict := f.analyzer.Analyze(ctx, t)
		cancel()
		if verdict.Score > 0 {
			f.log.Debug("feed trade scored",
				slog.String("trade_id", t.ID),
				slog.Float64("score", verdict.Score),
				slog.String("risk", string(verdict.Risk)))
		}
	}
}

func (m wsTrade) toTrade() (model.Trade, error) {
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return model.Trade{}, fmt.Errorf("price %q: %w", m.Price, err)
	}
	size, err := decimal.NewFromString(m.Size)
	if err != nil {
		return model.Trade{}, fmt.Errorf("size %q: %w", m.Size, err)
	}
	return model.Trade{
		ID:        m.TradeID,
		Symbol:    m.Market,
		Price:     price,
		Volume:    size,
		Principal: m.Principal,
		Side:      m.Side,
		Timestamp: time.UnixMilli(m.Timestamp).UTC(),
	}, nil
}
