package anomaly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/pkg/logger"
	"github.com/simexchange/trustgate/internal/pkg/metrics"
	"github.com/simexchange/trustgate/internal/pkg/stats"
)

// AuditSink is the audit logger surface the detector emits through.
type AuditSink interface {
	Log(eventType string, data, metadata map[string]any) string
}

// Published weight tables. The aggregate score over an anomaly set is
// min(1, (avg + max) / 2) of weight(type) * weight(severity).
var typeWeights = map[string]float64{
	model.AnomalyPriceDeviation:       0.9,
	model.AnomalyImpossiblePrice:      1.0,
	model.AnomalyBollingerBreach:      0.8,
	model.AnomalyPriceGap:             0.8,
	model.AnomalyVolume:               0.6,
	model.AnomalyVolumeSpike:          0.7,
	model.AnomalyVelocity:             0.8,
	model.AnomalyImpossibleProfit:     1.0,
	model.AnomalyTimingPrecision:      0.6,
	model.AnomalyMarketTiming:         0.6,
	model.AnomalyWashTrading:          1.0,
	model.AnomalyPumpAndDump:          0.9,
	model.AnomalyCoordinatedTrading:   0.9,
	model.AnomalyOffHoursTrading:      0.3,
	model.AnomalyHighFrequencyTrading: 0.5,
	model.AnomalyCorrelationBreakdown: 0.6,
}

var severityWeights = map[model.Severity]float64{
	model.SeverityLow:      0.25,
	model.SeverityMedium:   0.5,
	model.SeverityHigh:     0.75,
	model.SeverityCritical: 1.0,
}

var actionByRisk = map[model.RiskBucket]string{
	model.RiskCritical: model.ActionImmediateInvestigation,
	model.RiskHigh:     model.ActionEnhancedMonitoring,
	model.RiskMedium:   model.ActionFlagForReview,
	model.RiskLow:      model.ActionLogAndMonitor,
	model.RiskMinimal:  model.ActionNoAction,
}

func riskBucket(score float64) model.RiskBucket {
	switch {
	case score >= 0.8:
		return model.RiskCritical
	case score >= 0.6:
		return model.RiskHigh
	case score >= 0.4:
		return model.RiskMedium
	case score >= 0.2:
		return model.RiskLow
	default:
		return model.RiskMinimal
	}
}

// Detector runs the statistical anomaly pipeline over executed trades.
type Detector struct {
	cfg      config.AnomalyConfig
	log      *slog.Logger
	audit    AuditSink
	symbols  *historyStore
	profiles *profileStore
	now      func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDetector(cfg config.AnomalyConfig, audit AuditSink) *Detector {
	d := &Detector{
		cfg:      cfg,
		log:      logger.Component("anomaly"),
		audit:    audit,
		symbols:  newHistoryStore(),
		profiles: newProfileStore(),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.sweepLoop()
	return d
}

func (d *Detector) maxAge() time.Duration {
	hours := d.cfg.HistoryMaxAgeHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// Analyze records the trade into the symbol and principal windows, runs
// the seven detectors and returns the aggregated verdict. Score is 0
// exactly when no anomaly was found.
func (d *Detector) Analyze(ctx context.Context, t model.Trade) model.ScoredVerdict {
	verdict := model.ScoredVerdict{
		TradeID:           t.ID,
		Symbol:            t.NormalizedSymbol(),
		Principal:         t.Principal,
		Anomalies:         []model.Anomaly{},
		Risk:              model.RiskMinimal,
		RecommendedAction: model.ActionNoAction,
		AnalyzedAt:        d.now(),
	}
	price := t.Price.InexactFloat64()
	volume := t.Volume.InexactFloat64()
	if verdict.Symbol == "" || price <= 0 {
		return verdict
	}
	at := t.Timestamp
	if at.IsZero() {
		at = d.now()
	}

	snap := &tradeSnapshot{
		symbol:    verdict.Symbol,
		principal: t.Principal,
		price:     price,
		volume:    volume,
		side:      t.Side,
		at:        at,
	}
	d.symbols.with(verdict.Symbol, func(h *symbolHistory) {
		snap.priorVolumes = h.volumes()
		snap.priorVelocities = append([]float64(nil), h.velocities...)
		before := len(h.velocities)
		h.append(pricePoint{
			Price: price, Volume: volume, Principal: t.Principal, Side: t.Side, At: at,
		}, d.cfg.PriceHistoryMax, d.maxAge())
		if len(h.velocities) > before {
			snap.velocity = h.velocities[len(h.velocities)-1]
			snap.hasVelocity = true
		}
		snap.points = append([]pricePoint(nil), h.points...)
		snap.meanPrice, snap.sdPrice = h.priceStats()
	})
	d.profiles.with(t.Principal, func(p *principalProfile) {
		p.append(profileTrade{
			Symbol: verdict.Symbol, Price: price, Volume: volume, Side: t.Side, At: at,
		}, d.cfg.ProfileTradesMax)
		snap.profile = append([]profileTrade(nil), p.trades...)
	})

	anomalies := checkPrice(snap, d.cfg)
	anomalies = append(anomalies, checkVolume(snap, d.cfg)...)
	anomalies = append(anomalies, checkVelocity(snap, d.cfg)...)
	anomalies = append(anomalies, checkBehavior(snap, d.cfg)...)
	anomalies = append(anomalies, checkTimingPrecision(snap, d.cfg)...)
	anomalies = append(anomalies, checkMarketTiming(snap, d.cfg)...)
	anomalies = append(anomalies, checkManipulation(snap, d.cfg)...)
	anomalies = append(anomalies, checkTemporal(snap, d.cfg)...)
	anomalies = append(anomalies, d.checkCorrelation(snap)...)

	if len(anomalies) > 0 {
		verdict.Anomalies = anomalies
		verdict.Score = aggregateScore(anomalies)
		verdict.Risk = riskBucket(verdict.Score)
		verdict.RecommendedAction = actionByRisk[verdict.Risk]
	}

	for _, a := range verdict.Anomalies {
		metrics.AnomaliesDetected.WithLabelValues(a.Type, string(a.Severity)).Inc()
	}
	metrics.AnomalyScores.Observe(verdict.Score)

	if (verdict.Risk == model.RiskHigh || verdict.Risk == model.RiskCritical) && d.audit != nil {
		types := make([]string, len(verdict.Anomalies))
		for i, a := range verdict.Anomalies {
			types[i] = a.Type
		}
		d.audit.Log("ANOMALY_DETECTED", map[string]any{
			"trade_id":  t.ID,
			"symbol":    verdict.Symbol,
			"principal": t.Principal,
			"score":     verdict.Score,
			"risk":      string(verdict.Risk),
			"anomalies": types,
		}, map[string]any{"source": "anomaly"})
		d.log.Warn("high-risk trade",
			slog.String("symbol", verdict.Symbol),
			slog.String("principal", t.Principal),
			slog.Float64("score", verdict.Score),
			slog.Any("anomalies", types))
	}
	return verdict
}

func aggregateScore(anomalies []model.Anomaly) float64 {
	var sum, max float64
	for _, a := range anomalies {
		tw, ok := typeWeights[a.Type]
		if !ok {
			tw = 0.5
		}
		w := tw * severityWeights[a.Severity]
		sum += w
		if w > max {
			max = w
		}
	}
	avg := sum / float64(len(anomalies))
	return stats.Clamp((avg+max)/2, 0, 1)
}

// SymbolStats summarizes one symbol's history window.
type SymbolStats struct {
	Symbol    string      `json:"symbol"`
	Samples   int         `json:"samples"`
	Mean      float64     `json:"mean"`
	StdDev    float64     `json:"std_dev"`
	Min       float64     `json:"min"`
	Max       float64     `json:"max"`
	Median    float64     `json:"median"`
	Bands     stats.Bands `json:"bollinger"`
	LastPrice float64     `json:"last_price"`
	LastSeen  time.Time   `json:"last_seen"`
}

// PrincipalStats summarizes one principal's behavioral window.
type PrincipalStats struct {
	Principal   string    `json:"principal"`
	Trades      int       `json:"trades"`
	Symbols     []string  `json:"symbols"`
	LastMinute  int       `json:"trades_last_minute"`
	LastSeen    time.Time `json:"last_seen"`
}

type AnalysisReport struct {
	Symbol      *SymbolStats    `json:"symbol,omitempty"`
	Principal   *PrincipalStats `json:"principal,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Report summarizes the tracked state for a symbol and, optionally, a
// principal. Unknown keys yield nil sections.
func (d *Detector) Report(symbol, principal string) *AnalysisReport {
	report := &AnalysisReport{GeneratedAt: d.now()}
	if symbol != "" {
		d.symbols.peek(symbol, func(h *symbolHistory) {
			ps := h.prices()
			if len(ps) == 0 {
				return
			}
			period := d.cfg.BollingerPeriod
			if period <= 0 {
				period = 20
			}
			mean, sd := h.priceStats()
			report.Symbol = &SymbolStats{
				Symbol:    symbol,
				Samples:   len(ps),
				Mean:      mean,
				StdDev:    sd,
				Min:       stats.Min(ps),
				Max:       stats.Max(ps),
				Median:    stats.Median(ps),
				Bands:     stats.Bollinger(ps, period, 2),
				LastPrice: ps[len(ps)-1],
				LastSeen:  h.lastSeen,
			}
		})
	}
	if principal != "" {
		d.profiles.with(principal, func(p *principalProfile) {
			if len(p.trades) == 0 {
				return
			}
			seen := make(map[string]bool)
			var symbols []string
			for _, tr := range p.trades {
				if !seen[tr.Symbol] {
					seen[tr.Symbol] = true
					symbols = append(symbols, tr.Symbol)
				}
			}
			report.Principal = &PrincipalStats{
				Principal:  principal,
				Trades:     len(p.trades),
				Symbols:    symbols,
				LastMinute: p.tradesInWindow(d.now().Add(-time.Minute)),
				LastSeen:   p.lastSeen,
			}
		})
	}
	return report
}

func (d *Detector) sweepLoop() {
	defer d.wg.Done()
	minutes := d.cfg.SweepIntervalMinutes
	if minutes <= 0 {
		minutes = 5
	}
	ticker := time.NewTicker(time.Duration(minutes) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := d.now().Add(-d.maxAge())
			symbols := d.symbols.sweep(cutoff)
			principals := d.profiles.sweep(cutoff)
			if symbols > 0 || principals > 0 {
				d.log.Debug("history sweep",
					slog.Int("symbols_removed", symbols),
					slog.Int("principals_removed", principals),
					slog.Int("symbols_live", d.symbols.size()))
			}
		case <-d.stop:
			return
		}
	}
}

func (d *Detector) Close() {
	d.closeOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}
