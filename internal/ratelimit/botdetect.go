package ratelimit

import (
	"time"

	"github.com/simexchange/trustgate/internal/pkg/stats"
)

// Bot behavior patterns reported to callers and the audit trail.
const (
	PatternPreciseTiming      = "PRECISE_TIMING"
	PatternBurstActivity      = "BURST_ACTIVITY"
	PatternLowActionDiversity = "LOW_ACTION_DIVERSITY"
	PatternImpossibleSpeed    = "IMPOSSIBLE_SPEED"
	PatternRepeatedViolations = "REPEATED_VIOLATIONS"
)

// Signal weights. Suspicion is the clamped sum of triggered weights.
const (
	weightPreciseTiming      = 0.30
	weightBurstActivity      = 0.40
	weightLowDiversity       = 0.20
	weightImpossibleSpeed    = 0.50
	weightRepeatedViolations = 0.60
)

type botSeverity string

const (
	botLow    botSeverity = "low"
	botMedium botSeverity = "medium"
	botHigh   botSeverity = "high"
)

type botVerdict struct {
	Suspicion float64
	Severity  botSeverity
	Patterns  []string
}

type classifierConfig struct {
	perSecondLimit        int
	burstMultiplier       float64
	burstWindow           time.Duration
	consecutiveViolations int
	violationDecay        time.Duration
}

// classify evaluates the five weighted bot signals against the bucket's
// behavioral state. Caller holds the shard lock.
func classify(b *principalBucket, now time.Time, cfg classifierConfig) botVerdict {
	var v botVerdict

	// Precise timing: machine-steady cadence over a meaningful sample.
	if len(b.intervals) >= 10 {
		recent := b.intervals[len(b.intervals)-minInt(len(b.intervals), maxIntervals):]
		secs := make([]float64, len(recent))
		for i, d := range recent {
			secs[i] = d.Seconds()
		}
		if stats.Mean(secs) < 2.0 && stats.StdDev(secs) < 0.050 {
			v.Suspicion += weightPreciseTiming
			v.Patterns = append(v.Patterns, PatternPreciseTiming)
		}
	}

	// Burst: more calls inside the burst window than the per-second limit
	// scaled by the multiplier.
	b.pruneBurstWindow(now, cfg.burstWindow)
	if cfg.perSecondLimit > 0 {
		threshold := float64(cfg.perSecondLimit) * cfg.burstMultiplier
		if float64(len(b.recentTimestamps)) > threshold {
			v.Suspicion += weightBurstActivity
			v.Patterns = append(v.Patterns, PatternBurstActivity)
		}
	}

	// Low diversity: lots of actions, almost all the same kind.
	if b.totalActions() > 50 && len(b.actionCounts) < 3 {
		v.Suspicion += weightLowDiversity
		v.Patterns = append(v.Patterns, PatternLowActionDiversity)
	}

	// Impossible speed: humans don't click twice within 100ms.
	if n := len(b.intervals); n > 0 && b.intervals[n-1] < 100*time.Millisecond {
		v.Suspicion += weightImpossibleSpeed
		v.Patterns = append(v.Patterns, PatternImpossibleSpeed)
	}

	// Repeated violations inside the decay horizon.
	if total, _ := b.activeViolations(now, cfg.violationDecay); total >= cfg.consecutiveViolations {
		v.Suspicion += weightRepeatedViolations
		v.Patterns = append(v.Patterns, PatternRepeatedViolations)
	}

	v.Suspicion = stats.Clamp(v.Suspicion, 0, 1)
	switch {
	case v.Suspicion > 0.8:
		v.Severity = botHigh
	case v.Suspicion > 0.5:
		v.Severity = botMedium
	default:
		v.Severity = botLow
	}

	// The stored score follows the classifier but forgets slowly.
	b.suspicion = maxFloat(b.suspicion*0.95, v.Suspicion)
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
