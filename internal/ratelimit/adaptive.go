package ratelimit

import (
	"math"
	"time"

	"github.com/simexchange/trustgate/internal/pkg/stats"
)

// adaptiveProfile tracks the slow-moving trust score for a principal.
// The score decays on good behavior and climbs on violations; crossing
// the ban threshold arms a temporary penalty.
type adaptiveProfile struct {
	Score        float64
	PenaltyUntil time.Time
	LastUpdate   time.Time
}

// Decay applied on each allowed call.
const adaptiveDecayPerCall = 0.995

// Score bumps per recorded violation.
const (
	adaptiveBumpMedium = 0.10
	adaptiveBumpHigh   = 0.20
)

func (p *adaptiveProfile) decay(now time.Time) {
	p.Score *= adaptiveDecayPerCall
	if p.Score < 1e-6 {
		p.Score = 0
	}
	p.LastUpdate = now
}

// bump raises the score for a violation and arms the penalty window when
// the score crosses the ban threshold. Returns true when the penalty was
// newly armed.
func (p *adaptiveProfile) bump(now time.Time, sev ViolationSeverity, banThreshold float64, penalty time.Duration) bool {
	delta := adaptiveBumpMedium
	if sev == ViolationHigh {
		delta = adaptiveBumpHigh
	}
	p.Score = stats.Clamp(p.Score+delta, 0, 1)
	p.LastUpdate = now

	if p.Score > banThreshold && now.After(p.PenaltyUntil) {
		p.PenaltyUntil = now.Add(penalty)
		return true
	}
	return false
}

func (p *adaptiveProfile) penaltyActive(now time.Time) bool {
	return p.PenaltyUntil.After(now)
}

// derivedLimit applies the adaptive and suspicion factors to a base
// window limit. The raw value is the pre-clamp floor; a raw value of
// zero under a high score means the adaptive gate has collapsed the
// principal's allowance entirely.
func derivedLimit(base int, score float64, flagged bool) (limit, raw int) {
	adaptiveFactor := 1 - stats.Clamp(score-0.3, 0, 0.7)
	suspicionFactor := 1.0
	if flagged {
		suspicionFactor = 0.5
	}
	raw = int(math.Floor(float64(base) * adaptiveFactor * suspicionFactor))
	limit = raw
	if limit < 1 {
		limit = 1
	}
	return limit, raw
}
