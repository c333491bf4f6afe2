package anomaly

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
)

func testAnomalyConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		PriceZScore:          3,
		VolumeZScore:         2.5,
		VelocityZScore:       5,
		PriceGapPct:          0.10,
		ImpossibleProb:       0.001,
		ProfitThreshold:      0.20,
		WashTradingScore:     0.7,
		HighFrequencyPerMin:  120,
		PriceHistoryMax:      1000,
		ProfileTradesMax:     500,
		BehaviorWindowMax:    100,
		HistoryMaxAgeHours:   24,
		BollingerPeriod:      20,
		PumpWindowMinutes:    30,
		OffHoursStart:        22,
		OffHoursEnd:          6,
		CorrelationFloor:     0.1,
		SweepIntervalMinutes: 5,
	}
}

func newTestDetector(t *testing.T, mutate func(*config.AnomalyConfig)) *Detector {
	t.Helper()
	cfg := testAnomalyConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	d := NewDetector(cfg, nil)
	t.Cleanup(d.Close)
	return d
}

var testDay = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func mkTrade(symbol, principal string, price, volume float64, at time.Time) model.Trade {
	return model.Trade{
		ID:        fmt.Sprintf("t-%d", at.UnixNano()),
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(price),
		Volume:    decimal.NewFromFloat(volume),
		Principal: principal,
		Timestamp: at,
	}
}

func hasAnomaly(v model.ScoredVerdict, typ string) bool {
	for _, a := range v.Anomalies {
		if a.Type == typ {
			return true
		}
	}
	return false
}

func findAnomaly(v model.ScoredVerdict, typ string) (model.Anomaly, bool) {
	for _, a := range v.Anomalies {
		if a.Type == typ {
			return a, true
		}
	}
	return model.Anomaly{}, false
}

func TestFirstTradeScoresZero(t *testing.T) {
	d := newTestDetector(t, nil)
	v := d.Analyze(context.Background(), mkTrade("X/Y", "alice", 100, 10, testDay))
	if v.Score != 0 {
		t.Fatalf("score = %v, want 0", v.Score)
	}
	if len(v.Anomalies) != 0 {
		t.Fatalf("anomalies = %+v, want none", v.Anomalies)
	}
	if v.Risk != model.RiskMinimal || v.RecommendedAction != model.ActionNoAction {
		t.Fatalf("risk=%s action=%s", v.Risk, v.RecommendedAction)
	}
}

func TestPriceDetectorsSilentUnderTenPrices(t *testing.T) {
	d := newTestDetector(t, nil)
	at := testDay
	for i := 0; i < 9; i++ {
		d.Analyze(context.Background(), mkTrade("X/Y", "seeder", 100, 10, at))
		at = at.Add(time.Second)
	}
	// 10 points with the print itself: even an absurd one stays silent
	// on price checks
	v := d.Analyze(context.Background(), mkTrade("X/Y", "outlier", 500, 10, at))
	for _, typ := range []string{
		model.AnomalyPriceDeviation, model.AnomalyBollingerBreach,
		model.AnomalyImpossiblePrice, model.AnomalyPriceGap,
	} {
		if hasAnomaly(v, typ) {
			t.Fatalf("%s emitted with only 10 points", typ)
		}
	}
}

func TestPriceAnomalyScenario(t *testing.T) {
	d := newTestDetector(t, nil)
	rng := rand.New(rand.NewSource(42))
	at := testDay
	for i := 0; i < 200; i++ {
		price := 100 + rng.NormFloat64()
		d.Analyze(context.Background(), mkTrade("X/Y", "seeder", price, 10, at))
		at = at.Add(time.Second)
	}

	v := d.Analyze(context.Background(), mkTrade("X/Y", "outlier", 120, 10, at))

	for _, typ := range []string{
		model.AnomalyPriceDeviation, model.AnomalyImpossiblePrice,
		model.AnomalyBollingerBreach, model.AnomalyPriceGap,
	} {
		if !hasAnomaly(v, typ) {
			t.Fatalf("missing %s; got %+v", typ, v.Anomalies)
		}
	}
	dev, _ := findAnomaly(v, model.AnomalyPriceDeviation)
	if dev.Severity != model.SeverityCritical {
		t.Fatalf("PRICE_DEVIATION severity = %s, want critical", dev.Severity)
	}
	if v.Risk != model.RiskCritical {
		t.Fatalf("risk = %s (score %v), want critical", v.Risk, v.Score)
	}
	if v.RecommendedAction != model.ActionImmediateInvestigation {
		t.Fatalf("action = %s", v.RecommendedAction)
	}
	if v.Score < 0.8 || v.Score > 1 {
		t.Fatalf("score = %v, want in [0.8, 1]", v.Score)
	}
}

func TestFlatHistoryJumpIsCritical(t *testing.T) {
	d := newTestDetector(t, nil)
	at := testDay
	for i := 0; i < 50; i++ {
		d.Analyze(context.Background(), mkTrade("X/Y", "seeder", 100, 10, at))
		at = at.Add(time.Second)
	}
	// Zero variance until now: the jump itself must widen sigma enough
	// to register, since its own price is part of the baseline.
	v := d.Analyze(context.Background(), mkTrade("X/Y", "jumper", 120, 10, at))

	dev, ok := findAnomaly(v, model.AnomalyPriceDeviation)
	if !ok {
		t.Fatalf("PRICE_DEVIATION missing after flat history: %+v", v.Anomalies)
	}
	if dev.Severity != model.SeverityCritical {
		t.Fatalf("PRICE_DEVIATION severity = %s, want critical", dev.Severity)
	}
	if !hasAnomaly(v, model.AnomalyImpossiblePrice) {
		t.Fatalf("STATISTICALLY_IMPOSSIBLE_PRICE missing: %+v", v.Anomalies)
	}
	if v.Score < 0.8 {
		t.Fatalf("score = %v, want >= 0.8", v.Score)
	}
	if v.Risk != model.RiskCritical {
		t.Fatalf("risk = %s, want critical", v.Risk)
	}
}

func TestScoreZeroIffNoAnomalies(t *testing.T) {
	d := newTestDetector(t, nil)
	rng := rand.New(rand.NewSource(7))
	at := testDay
	for i := 0; i < 300; i++ {
		price := 100 + rng.NormFloat64()
		if i%50 == 49 {
			price = 100 + 30*rng.NormFloat64()
		}
		v := d.Analyze(context.Background(), mkTrade("X/Y", "seeder", price, 10, at))
		if v.Score < 0 || v.Score > 1 {
			t.Fatalf("trade %d: score %v out of [0,1]", i, v.Score)
		}
		if (v.Score == 0) != (len(v.Anomalies) == 0) {
			t.Fatalf("trade %d: score %v with %d anomalies", i, v.Score, len(v.Anomalies))
		}
		at = at.Add(time.Second)
	}
}

func TestVolumeSpike(t *testing.T) {
	d := newTestDetector(t, nil)
	at := testDay
	for i := 0; i < 20; i++ {
		d.Analyze(context.Background(), mkTrade("X/Y", "seeder", 100, 10, at))
		at = at.Add(time.Second)
	}
	v := d.Analyze(context.Background(), mkTrade("X/Y", "outlier", 100, 200, at))
	spike, ok := findAnomaly(v, model.AnomalyVolumeSpike)
	if !ok {
		t.Fatalf("VOLUME_SPIKE missing: %+v", v.Anomalies)
	}
	if spike.Severity != model.SeverityHigh {
		t.Fatalf("spike severity = %s", spike.Severity)
	}
}

func TestVolumeZScore(t *testing.T) {
	d := newTestDetector(t, nil)
	at := testDay
	for i := 0; i < 20; i++ {
		vol := 9.0
		if i%2 == 1 {
			vol = 11.0
		}
		d.Analyze(context.Background(), mkTrade("X/Y", "seeder", 100, vol, at))
		at = at.Add(time.Second)
	}
	v := d.Analyze(context.Background(), mkTrade("X/Y", "outlier", 100, 20, at))
	if !hasAnomaly(v, model.AnomalyVolume) {
		t.Fatalf("VOLUME_ANOMALY missing: %+v", v.Anomalies)
	}
	if hasAnomaly(v, model.AnomalyVolumeSpike) {
		t.Fatal("20 is not a 5x spike over mean 10")
	}
}

func TestImpossibleProfit(t *testing.T) {
	d := newTestDetector(t, nil)
	at := testDay
	var v model.ScoredVerdict
	for _, price := range []float64{100, 160, 250, 400} {
		v = d.Analyze(context.Background(), mkTrade("X/Y", "lucky", price, 10, at))
		at = at.Add(20 * time.Second)
	}
	profit, ok := findAnomaly(v, model.AnomalyImpossibleProfit)
	if !ok {
		t.Fatalf("IMPOSSIBLE_PROFIT missing: %+v", v.Anomalies)
	}
	if profit.Severity != model.SeverityCritical {
		t.Fatalf("severity = %s", profit.Severity)
	}
	if v.Risk != model.RiskCritical {
		t.Fatalf("risk = %s", v.Risk)
	}
}

func TestWashTrading(t *testing.T) {
	d := newTestDetector(t, nil)
	at := testDay
	var v model.ScoredVerdict
	for i := 0; i < 10; i++ {
		tr := mkTrade("X/Y", "washer", 100, 10, at)
		if i%2 == 0 {
			tr.Side = "BUY"
		} else {
			tr.Side = "SELL"
		}
		v = d.Analyze(context.Background(), tr)
		at = at.Add(time.Second)
	}
	wash, ok := findAnomaly(v, model.AnomalyWashTrading)
	if !ok {
		t.Fatalf("WASH_TRADING missing: %+v", v.Anomalies)
	}
	if wash.Severity != model.SeverityCritical {
		t.Fatalf("severity = %s", wash.Severity)
	}
}

func TestWashTradingWindowBound(t *testing.T) {
	// A tight behavior window leaves too few sided points to pair off,
	// so the same alternating pattern stays below the threshold.
	d := newTestDetector(t, func(c *config.AnomalyConfig) { c.BehaviorWindowMax = 3 })
	at := testDay
	var v model.ScoredVerdict
	for i := 0; i < 10; i++ {
		tr := mkTrade("X/Y", "washer", 100, 10, at)
		if i%2 == 0 {
			tr.Side = "BUY"
		} else {
			tr.Side = "SELL"
		}
		v = d.Analyze(context.Background(), tr)
		at = at.Add(time.Second)
	}
	if hasAnomaly(v, model.AnomalyWashTrading) {
		t.Fatalf("WASH_TRADING emitted despite 3-point window: %+v", v.Anomalies)
	}
}

func TestOffHoursTrading(t *testing.T) {
	d := newTestDetector(t, nil)
	late := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	v := d.Analyze(context.Background(), mkTrade("X/Y", "owl", 100, 10, late))
	if !hasAnomaly(v, model.AnomalyOffHoursTrading) {
		t.Fatalf("OFF_HOURS_TRADING missing at 23:30 UTC: %+v", v.Anomalies)
	}
	if v.Score == 0 {
		t.Fatal("anomalous verdict must carry a nonzero score")
	}

	noon := d.Analyze(context.Background(), mkTrade("X/Y", "owl", 100, 10, testDay.Add(time.Hour)))
	if hasAnomaly(noon, model.AnomalyOffHoursTrading) {
		t.Fatal("OFF_HOURS_TRADING fired at 13:00 UTC")
	}
}

func TestHighFrequencyTrading(t *testing.T) {
	d := newTestDetector(t, func(c *config.AnomalyConfig) { c.HighFrequencyPerMin = 5 })
	at := testDay
	var v model.ScoredVerdict
	for i := 0; i < 8; i++ {
		v = d.Analyze(context.Background(), mkTrade("X/Y", "hft", 100, 10, at))
		at = at.Add(2 * time.Second)
	}
	if !hasAnomaly(v, model.AnomalyHighFrequencyTrading) {
		t.Fatalf("HIGH_FREQUENCY_TRADING missing: %+v", v.Anomalies)
	}
}

func TestCorrelationBreakdown(t *testing.T) {
	d := newTestDetector(t, func(c *config.AnomalyConfig) {
		c.CorrelatedSymbols = map[string][]string{"A/B": {"C/D"}}
	})
	at := testDay
	for i := 0; i < 30; i++ {
		d.Analyze(context.Background(), mkTrade("C/D", "seeder", 100+float64(i), 10, at))
		at = at.Add(time.Second)
	}
	var v model.ScoredVerdict
	for i := 0; i < 25; i++ {
		v = d.Analyze(context.Background(), mkTrade("A/B", "seeder", 124-float64(i), 10, at))
		at = at.Add(time.Second)
	}
	breakdown, ok := findAnomaly(v, model.AnomalyCorrelationBreakdown)
	if !ok {
		t.Fatalf("CORRELATION_BREAKDOWN missing: %+v", v.Anomalies)
	}
	if breakdown.Details["partner"] != "C/D" {
		t.Fatalf("partner = %v", breakdown.Details["partner"])
	}
}

func TestReport(t *testing.T) {
	d := newTestDetector(t, nil)
	at := testDay
	for i := 0; i < 15; i++ {
		d.Analyze(context.Background(), mkTrade("X/Y", "alice", 100+float64(i%3), 10, at))
		at = at.Add(time.Second)
	}
	report := d.Report("X/Y", "alice")
	if report.Symbol == nil || report.Symbol.Samples != 15 {
		t.Fatalf("symbol section = %+v", report.Symbol)
	}
	if report.Symbol.Min != 100 || report.Symbol.Max != 102 {
		t.Fatalf("min/max = %v/%v", report.Symbol.Min, report.Symbol.Max)
	}
	if report.Principal == nil || report.Principal.Trades != 15 {
		t.Fatalf("principal section = %+v", report.Principal)
	}
	if got := d.Report("NO/PE", ""); got.Symbol != nil {
		t.Fatalf("unknown symbol produced stats: %+v", got.Symbol)
	}
}

func TestHistoryCaps(t *testing.T) {
	d := newTestDetector(t, func(c *config.AnomalyConfig) { c.PriceHistoryMax = 50 })
	at := testDay
	for i := 0; i < 120; i++ {
		d.Analyze(context.Background(), mkTrade("X/Y", "seeder", 100, 10, at))
		at = at.Add(time.Second)
	}
	if report := d.Report("X/Y", ""); report.Symbol.Samples != 50 {
		t.Fatalf("samples = %d, want capped at 50", report.Symbol.Samples)
	}
}

func TestSweepDropsIdleHistories(t *testing.T) {
	d := newTestDetector(t, nil)
	d.Analyze(context.Background(), mkTrade("X/Y", "alice", 100, 10, testDay))
	if d.symbols.size() != 1 {
		t.Fatalf("size = %d", d.symbols.size())
	}
	removed := d.symbols.sweep(testDay.Add(48 * time.Hour))
	if removed != 1 || d.symbols.size() != 0 {
		t.Fatalf("removed=%d size=%d", removed, d.symbols.size())
	}
}

func TestAggregateScoreBounds(t *testing.T) {
	all := []model.Anomaly{
		{Type: model.AnomalyWashTrading, Severity: model.SeverityCritical},
		{Type: model.AnomalyImpossibleProfit, Severity: model.SeverityCritical},
		{Type: model.AnomalyImpossiblePrice, Severity: model.SeverityCritical},
	}
	if got := aggregateScore(all); got != 1 {
		t.Fatalf("all-critical score = %v, want 1", got)
	}
	low := []model.Anomaly{{Type: model.AnomalyOffHoursTrading, Severity: model.SeverityLow}}
	if got := aggregateScore(low); got <= 0 || got >= 0.2 {
		t.Fatalf("single low-weight score = %v, want (0, 0.2)", got)
	}
}
