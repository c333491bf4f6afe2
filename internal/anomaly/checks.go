package anomaly

import (
	"math"
	"time"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/pkg/stats"
)

// tradeSnapshot is everything the detectors read, copied out under the
// shard locks so detection runs without holding them.
type tradeSnapshot struct {
	symbol    string
	principal string
	price     float64
	volume    float64
	side      string
	at        time.Time

	priorVolumes    []float64 // before this trade
	priorVelocities []float64
	velocity        float64 // instantaneous, includes this trade
	hasVelocity     bool

	points    []pricePoint // symbol window including this trade
	meanPrice float64      // over points, memoized by the history
	sdPrice   float64
	profile   []profileTrade // principal window including this trade
}

func checkPrice(s *tradeSnapshot, cfg config.AnomalyConfig) []model.Anomaly {
	// The trade's own price is part of its baseline: a jump after a
	// perfectly flat history raises sigma above zero instead of
	// producing a degenerate z of 0.
	if len(s.points) < 11 {
		return nil
	}
	var out []model.Anomaly
	prices := make([]float64, len(s.points))
	for i, p := range s.points {
		prices[i] = p.Price
	}
	mean, sd := s.meanPrice, s.sdPrice
	z := stats.ZScore(s.price, mean, sd)

	if math.Abs(z) > cfg.PriceZScore {
		sev := model.SeverityMedium
		switch {
		case math.Abs(z) > 2*cfg.PriceZScore:
			sev = model.SeverityCritical
		case math.Abs(z) > 1.5*cfg.PriceZScore:
			sev = model.SeverityHigh
		}
		out = append(out, model.Anomaly{
			Type:     model.AnomalyPriceDeviation,
			Severity: sev,
			Details: map[string]any{
				"z_score": z, "mean": mean, "std_dev": sd, "price": s.price,
			},
		})
	}

	period := cfg.BollingerPeriod
	if period <= 0 {
		period = 20
	}
	bands := stats.Bollinger(prices, period, 2)
	if s.price > bands.Upper || s.price < bands.Lower {
		sev := model.SeverityMedium
		wide := stats.Bollinger(prices, period, 3)
		if s.price > wide.Upper || s.price < wide.Lower {
			sev = model.SeverityHigh
		}
		out = append(out, model.Anomaly{
			Type:     model.AnomalyBollingerBreach,
			Severity: sev,
			Details: map[string]any{
				"upper": bands.Upper, "lower": bands.Lower, "price": s.price,
			},
		})
	}

	if prob := stats.NormalTwoTailProb(z); prob < cfg.ImpossibleProb {
		sev := model.SeverityHigh
		if prob < cfg.ImpossibleProb/10 {
			sev = model.SeverityCritical
		}
		out = append(out, model.Anomaly{
			Type:     model.AnomalyImpossiblePrice,
			Severity: sev,
			Details:  map[string]any{"probability": prob, "z_score": z},
		})
	}

	prev := prices[len(prices)-2]
	if prev > 0 {
		gap := math.Abs(s.price-prev) / prev
		if gap > cfg.PriceGapPct {
			sev := model.SeverityMedium
			if gap > 0.25 {
				sev = model.SeverityHigh
			}
			out = append(out, model.Anomaly{
				Type:     model.AnomalyPriceGap,
				Severity: sev,
				Details:  map[string]any{"gap_pct": gap, "previous": prev, "price": s.price},
			})
		}
	}
	return out
}

func checkVolume(s *tradeSnapshot, cfg config.AnomalyConfig) []model.Anomaly {
	if len(s.priorVolumes) < 10 || s.volume <= 0 {
		return nil
	}
	var out []model.Anomaly
	mean := stats.Mean(s.priorVolumes)
	sd := stats.StdDev(s.priorVolumes)
	if z := stats.ZScore(s.volume, mean, sd); z > cfg.VolumeZScore {
		sev := model.SeverityMedium
		if z > 1.5*cfg.VolumeZScore {
			sev = model.SeverityHigh
		}
		out = append(out, model.Anomaly{
			Type:     model.AnomalyVolume,
			Severity: sev,
			Details:  map[string]any{"z_score": z, "mean": mean, "volume": s.volume},
		})
	}
	recent := s.priorVolumes
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	if m := stats.Mean(recent); m > 0 && s.volume > 5*m {
		out = append(out, model.Anomaly{
			Type:     model.AnomalyVolumeSpike,
			Severity: model.SeverityHigh,
			Details:  map[string]any{"recent_mean": m, "volume": s.volume},
		})
	}
	return out
}

func checkVelocity(s *tradeSnapshot, cfg config.AnomalyConfig) []model.Anomaly {
	if !s.hasVelocity || len(s.priorVelocities) < 10 {
		return nil
	}
	mean := stats.Mean(s.priorVelocities)
	sd := stats.StdDev(s.priorVelocities)
	z := math.Abs(stats.ZScore(s.velocity, mean, sd))
	if z <= cfg.VelocityZScore {
		return nil
	}
	sev := model.SeverityHigh
	if z > 2*cfg.VelocityZScore {
		sev = model.SeverityCritical
	}
	return []model.Anomaly{{
		Type:     model.AnomalyVelocity,
		Severity: sev,
		Details:  map[string]any{"z_score": z, "velocity": s.velocity},
	}}
}

func checkBehavior(s *tradeSnapshot, cfg config.AnomalyConfig) []model.Anomaly {
	window := s.profile
	if len(window) > 10 {
		window = window[len(window)-10:]
	}
	if len(window) < 2 {
		return nil
	}

	var returns []float64
	fastWins := 0
	for i := 1; i < len(window); i++ {
		prev, cur := window[i-1], window[i]
		if prev.Symbol != cur.Symbol || prev.Price <= 0 {
			continue
		}
		r := (cur.Price - prev.Price) / prev.Price
		returns = append(returns, r)
		if r > 0.5 && cur.At.Sub(prev.At) <= time.Minute {
			fastWins++
		}
	}
	if len(returns) == 0 {
		return nil
	}
	avg := stats.Mean(returns)
	if avg > cfg.ProfitThreshold || fastWins >= 3 {
		return []model.Anomaly{{
			Type:     model.AnomalyImpossibleProfit,
			Severity: model.SeverityCritical,
			Details: map[string]any{
				"avg_return": avg, "fast_wins": fastWins, "samples": len(returns),
			},
		}}
	}
	return nil
}

// checkTimingPrecision is a documented hook: sub-second order timing
// regularity needs order-entry timestamps the execution feed does not
// carry, so it reports not-detected.
func checkTimingPrecision(*tradeSnapshot, config.AnomalyConfig) []model.Anomaly {
	return nil
}

// checkMarketTiming is a documented hook: news/market-event alignment
// needs an external event feed, so it reports not-detected.
func checkMarketTiming(*tradeSnapshot, config.AnomalyConfig) []model.Anomaly {
	return nil
}

func checkManipulation(s *tradeSnapshot, cfg config.AnomalyConfig) []model.Anomaly {
	var out []model.Anomaly
	if score := selfMatchScore(s, cfg); score > cfg.WashTradingScore {
		out = append(out, model.Anomaly{
			Type:     model.AnomalyWashTrading,
			Severity: model.SeverityCritical,
			Details:  map[string]any{"self_match_score": score},
		})
	}
	if base, peak, ok := pumpAndRevert(s, cfg); ok {
		out = append(out, model.Anomaly{
			Type:     model.AnomalyPumpAndDump,
			Severity: model.SeverityHigh,
			Details:  map[string]any{"base": base, "peak": peak, "price": s.price},
		})
	}
	// COORDINATED_TRADING needs a cross-principal alignment feed; the
	// hook reports not-detected until one is wired.
	return out
}

// selfMatchScore measures how much of the principal's recent flow on
// this symbol pairs off against itself: opposite sides at nearly the
// same price within a minute. The examined window is bounded by
// behavior_window_max.
func selfMatchScore(s *tradeSnapshot, cfg config.AnomalyConfig) float64 {
	bound := cfg.BehaviorWindowMax
	if bound <= 0 {
		bound = 50
	}
	window := s.points
	if len(window) > bound {
		window = window[len(window)-bound:]
	}
	var own []pricePoint
	for _, p := range window {
		if p.Principal == s.principal && p.Side != "" {
			own = append(own, p)
		}
	}
	if len(own) < 4 {
		return 0
	}
	matched := 0
	for i := 1; i < len(own); i++ {
		a, b := own[i-1], own[i]
		if a.Side == b.Side || a.Price <= 0 {
			continue
		}
		if math.Abs(b.Price-a.Price)/a.Price < 0.001 && b.At.Sub(a.At) <= time.Minute {
			matched += 2
		}
	}
	return float64(matched) / float64(len(own))
}

// pumpAndRevert reports a >2x rise followed by reversion inside the
// configured window.
func pumpAndRevert(s *tradeSnapshot, cfg config.AnomalyConfig) (base, peak float64, ok bool) {
	minutes := cfg.PumpWindowMinutes
	if minutes <= 0 {
		minutes = 30
	}
	cutoff := s.at.Add(-time.Duration(minutes) * time.Minute)
	var window []pricePoint
	for _, p := range s.points {
		if !p.At.Before(cutoff) {
			window = append(window, p)
		}
	}
	if len(window) < 5 {
		return 0, 0, false
	}
	base = window[0].Price
	peakIdx := 0
	for i, p := range window {
		if p.Price > peak {
			peak = p.Price
			peakIdx = i
		}
	}
	if base <= 0 || peak < 2*base || peakIdx == len(window)-1 {
		return 0, 0, false
	}
	// reverted: current back within 20% of the pre-pump base
	if s.price <= base*1.2 {
		return base, peak, true
	}
	return 0, 0, false
}

func checkTemporal(s *tradeSnapshot, cfg config.AnomalyConfig) []model.Anomaly {
	var out []model.Anomaly
	hour := s.at.UTC().Hour()
	inOffHours := false
	if cfg.OffHoursStart > cfg.OffHoursEnd {
		inOffHours = hour >= cfg.OffHoursStart || hour < cfg.OffHoursEnd
	} else if cfg.OffHoursStart < cfg.OffHoursEnd {
		inOffHours = hour >= cfg.OffHoursStart && hour < cfg.OffHoursEnd
	}
	if inOffHours {
		out = append(out, model.Anomaly{
			Type:     model.AnomalyOffHoursTrading,
			Severity: model.SeverityLow,
			Details:  map[string]any{"hour_utc": hour},
		})
	}

	if cfg.HighFrequencyPerMin > 0 {
		perMin := 0
		cutoff := s.at.Add(-time.Minute)
		for i := len(s.profile) - 1; i >= 0; i-- {
			if s.profile[i].At.Before(cutoff) {
				break
			}
			perMin++
		}
		if perMin > cfg.HighFrequencyPerMin {
			sev := model.SeverityMedium
			if perMin > 2*cfg.HighFrequencyPerMin {
				sev = model.SeverityHigh
			}
			out = append(out, model.Anomaly{
				Type:     model.AnomalyHighFrequencyTrading,
				Severity: sev,
				Details:  map[string]any{"trades_per_min": perMin},
			})
		}
	}
	return out
}

// checkCorrelation compares the symbol's recent prices against each
// configured partner; a realized correlation under the floor on a pair
// that is expected to track flags a breakdown.
func (d *Detector) checkCorrelation(s *tradeSnapshot) []model.Anomaly {
	partners := d.cfg.CorrelatedSymbols[s.symbol]
	if len(partners) == 0 {
		return nil
	}
	ours := make([]float64, len(s.points))
	for i, p := range s.points {
		ours[i] = p.Price
	}
	var out []model.Anomaly
	for _, partner := range partners {
		var theirs []float64
		if !d.symbols.peek(partner, func(h *symbolHistory) { theirs = h.prices() }) {
			continue
		}
		n := len(ours)
		if len(theirs) < n {
			n = len(theirs)
		}
		if n < 20 {
			continue
		}
		corr := stats.Correlation(ours[len(ours)-n:], theirs[len(theirs)-n:])
		if corr < d.cfg.CorrelationFloor {
			out = append(out, model.Anomaly{
				Type:     model.AnomalyCorrelationBreakdown,
				Severity: model.SeverityMedium,
				Details: map[string]any{
					"partner": partner, "correlation": corr, "samples": n,
				},
			})
		}
	}
	return out
}
