// Package ratelimit implements the multi-tier admission gate: per-principal
// fixed-window counters across four windows, platform-wide ceilings, an
// adaptive trust score, a bot-behavior classifier and an escalating ban
// registry. All rejections are informational; the gate never fails a
// request because of its own internal errors.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/pkg/logger"
	"github.com/simexchange/trustgate/internal/pkg/metrics"
)

// AuditSink receives security events from the gate. Satisfied by
// *audit.Logger; nil disables audit emission.
type AuditSink interface {
	Log(eventType string, data, metadata map[string]any) string
}

// Limiter is the admission gate. Safe for concurrent use; a single
// principal's transitions are serialized by its bucket shard.
type Limiter struct {
	cfg     config.RateLimitConfig
	limits  map[model.Action]map[model.Window]int
	globals map[model.Action]*rate.Limiter

	buckets *bucketStore
	bans    *banRegistry

	audit AuditSink
	log   *slog.Logger

	now  func() time.Time
	stop chan struct{}
}

// Snapshot is the gate's observable state for status endpoints.
type Snapshot struct {
	Principals   int                      `json:"principals"`
	ActiveBans   int                      `json:"active_bans"`
	GlobalTokens map[model.Action]float64 `json:"global_tokens"`
	Timestamp    time.Time                `json:"timestamp"`
}

// New constructs the gate. store may be nil (no distributed ban mirror),
// sink may be nil (no audit emission).
func New(cfg config.RateLimitConfig, store BanStore, sink AuditSink) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		limits:  buildLimitTable(cfg),
		globals: buildGlobalBuckets(cfg),
		buckets: newBucketStore(),
		audit:   sink,
		log:     logger.Component("ratelimit"),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	l.bans = newBanRegistry(store, func() time.Time { return l.now() })

	interval := time.Duration(cfg.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go l.cleanupLoop(interval)
	return l
}

func buildLimitTable(cfg config.RateLimitConfig) map[model.Action]map[model.Window]int {
	return map[model.Action]map[model.Window]int{
		model.ActionTrade: {
			model.WindowSecond: cfg.MaxTradesPerSecond,
			model.WindowMinute: cfg.MaxTradesPerMinute,
			model.WindowHour:   cfg.MaxTradesPerHour,
			model.WindowDay:    cfg.MaxTradesPerDay,
		},
		model.ActionOrder: {
			model.WindowSecond: cfg.MaxOrdersPerSecond,
			model.WindowMinute: cfg.MaxOrdersPerMinute,
		},
		model.ActionUpdate: {
			model.WindowSecond: cfg.MaxOrderUpdatesPerSecond,
		},
		model.ActionQuery: {
			model.WindowSecond: cfg.MaxQueriesPerSecond,
			model.WindowMinute: cfg.MaxQueriesPerMinute,
		},
	}
}

func buildGlobalBuckets(cfg config.RateLimitConfig) map[model.Action]*rate.Limiter {
	globals := make(map[model.Action]*rate.Limiter)
	if cfg.GlobalTradesPerSecond > 0 {
		globals[model.ActionTrade] = rate.NewLimiter(rate.Limit(cfg.GlobalTradesPerSecond), cfg.GlobalTradesPerSecond)
	}
	if cfg.GlobalOrdersPerSecond > 0 {
		globals[model.ActionOrder] = rate.NewLimiter(rate.Limit(cfg.GlobalOrdersPerSecond), cfg.GlobalOrdersPerSecond)
	}
	return globals
}

// Check runs the full decision order for one request. It never returns an
// error: internal failures degrade to allow-with-warning.
func (l *Limiter) Check(ctx context.Context, principal string, action model.Action, meta map[string]any) (verdict model.Verdict) {
	now := l.now()

	defer func() {
		if r := recover(); r != nil {
			// Degrade, never block traffic on our own bugs.
			l.log.Error("check degraded to allow", "principal", principal, "panic", r)
			l.emit("SYSTEM_EVENT", map[string]any{
				"event": "ratelimit_degraded", "principal": principal, "detail": r,
			})
			verdict = model.Verdict{Allowed: true, Warning: "rate limiter degraded, allowed without accounting"}
		}
		reason := verdict.Reason
		if verdict.Allowed {
			reason = "ok"
		}
		status := "deny"
		if verdict.Allowed {
			status = "allow"
		}
		metrics.ChecksTotal.WithLabelValues(string(action), status, reason).Inc()
	}()

	// 1. Ban gate. Expired records are purged on the way through.
	if ban := l.bans.get(ctx, principal); ban != nil {
		return model.Verdict{
			Allowed:      false,
			Reason:       model.ReasonUserBanned,
			RetryAfterMs: ban.ExpiresAt.Sub(now).Milliseconds(),
			BanLevel:     ban.Level,
		}
	}

	l.buckets.withBucket(principal, now, func(b *principalBucket) {
		verdict = l.checkBucket(ctx, b, action, now)
	})
	return verdict
}

// checkBucket runs steps 2-7 of the decision order under the shard lock.
func (l *Limiter) checkBucket(ctx context.Context, b *principalBucket, action model.Action, now time.Time) model.Verdict {
	// Ban just expired: fall back to SUSPICIOUS or NORMAL.
	if b.state == model.StateSoftBanned || b.state == model.StateHardBanned {
		if b.suspicion > l.cfg.SuspicionThreshold {
			b.state = model.StateSuspicious
		} else {
			b.state = model.StateNormal
		}
	}

	family := l.limits[action]

	if l.cfg.CheckGlobalFirst {
		if v, denied := l.checkGlobal(action, now, b); denied {
			return v
		}
	}

	// Per-principal windows, smallest first.
	for _, w := range model.Windows {
		base, ok := family[w]
		if !ok || base <= 0 {
			continue
		}
		limit, _ := derivedLimit(base, b.adaptive.Score, b.botFlagged)
		c := b.counter(action, w)
		c.refresh(now, w)
		if c.Count >= limit {
			sev := ViolationMedium
			if w == model.WindowHour || w == model.WindowDay {
				sev = ViolationHigh
			}
			reason := model.RateLimitReason(w)
			l.registerViolation(ctx, b, now, reason, sev)
			return model.Verdict{
				Allowed:      false,
				Reason:       reason,
				RetryAfterMs: c.ResetAt.Sub(now).Milliseconds(),
				Remaining:    l.remaining(b, action, now),
				ResetAt:      l.resetTimes(b, action, now),
				Suspicion:    b.suspicion,
			}
		}
	}

	if !l.cfg.CheckGlobalFirst {
		if v, denied := l.checkGlobal(action, now, b); denied {
			return v
		}
	}

	// Adaptive gate.
	if b.adaptive.penaltyActive(now) {
		return model.Verdict{
			Allowed:      false,
			Reason:       model.ReasonAdaptivePenalty,
			RetryAfterMs: b.adaptive.PenaltyUntil.Sub(now).Milliseconds(),
			Suspicion:    b.suspicion,
		}
	}
	if b.adaptive.Score > l.cfg.SuspicionThreshold {
		if base, ok := family[model.WindowSecond]; ok && base > 0 {
			if _, raw := derivedLimit(base, b.adaptive.Score, b.botFlagged); raw == 0 {
				return model.Verdict{
					Allowed:      false,
					Reason:       model.ReasonAdaptiveLimit,
					RetryAfterMs: time.Second.Milliseconds(),
					Suspicion:    b.suspicion,
				}
			}
		}
	}

	// Bot classifier.
	bot := classify(b, now, classifierConfig{
		perSecondLimit:        family[model.WindowSecond],
		burstMultiplier:       l.cfg.BurstMultiplier,
		burstWindow:           l.cfg.BurstWindow(),
		consecutiveViolations: l.cfg.ConsecutiveViolations,
		violationDecay:        l.cfg.ViolationDecay(),
	})
	switch bot.Severity {
	case botHigh:
		for _, p := range bot.Patterns {
			metrics.BotDetections.WithLabelValues(p).Inc()
		}
		l.registerViolation(ctx, b, now, model.ReasonBotBehaviorDetected, ViolationHigh)
		l.emit("BOT_BEHAVIOR_DETECTED", map[string]any{
			"principal": b.principal,
			"suspicion": bot.Suspicion,
			"patterns":  bot.Patterns,
		})
		b.state = model.StateSuspicious
		return model.Verdict{
			Allowed:   false,
			Reason:    model.ReasonBotBehaviorDetected,
			Suspicion: bot.Suspicion,
			Patterns:  bot.Patterns,
		}
	case botMedium:
		b.botFlagged = true
		b.state = model.StateSuspicious
	}

	// Allow path: commit all counters, then behavioral bookkeeping.
	for _, w := range model.Windows {
		if base, ok := family[w]; ok && base > 0 {
			c := b.counter(action, w)
			c.refresh(now, w)
			c.Count++
		}
	}
	if g, ok := l.globals[action]; ok {
		_ = g.AllowN(now, 1)
	}
	b.observe(action, now, l.cfg.BurstWindow())
	b.adaptive.decay(now)
	if b.state == model.StateNormal && b.suspicion > l.cfg.SuspicionThreshold {
		b.state = model.StateSuspicious
	} else if b.state == model.StateSuspicious && b.suspicion <= l.cfg.SuspicionThreshold && !b.botFlagged {
		b.state = model.StateNormal
	}

	return model.Verdict{
		Allowed:   true,
		Remaining: l.remaining(b, action, now),
		ResetAt:   l.resetTimes(b, action, now),
		Suspicion: b.suspicion,
	}
}

// checkGlobal peeks at the platform-wide ceiling without consuming.
// Consumption happens on the allow commit.
func (l *Limiter) checkGlobal(action model.Action, now time.Time, b *principalBucket) (model.Verdict, bool) {
	g, ok := l.globals[action]
	if !ok {
		return model.Verdict{}, false
	}
	if g.TokensAt(now) < 1 {
		return model.Verdict{
			Allowed:      false,
			Reason:       model.ReasonGlobalRateLimit,
			RetryAfterMs: time.Second.Milliseconds(),
			Suspicion:    b.suspicion,
		}, true
	}
	return model.Verdict{}, false
}

// registerViolation records the violation, bumps the adaptive score and
// runs the escalation ladder. Caller holds the shard lock.
func (l *Limiter) registerViolation(ctx context.Context, b *principalBucket, now time.Time, reason string, sev ViolationSeverity) {
	b.recordViolation(now, reason, sev, l.cfg.ViolationDecay())
	armed := b.adaptive.bump(now, sev, l.cfg.BanThreshold, l.cfg.SoftBanDuration()/2)
	if armed {
		l.emit("ADAPTIVE_PENALTY_ARMED", map[string]any{
			"principal": b.principal, "score": b.adaptive.Score,
		})
	}

	total, high := b.activeViolations(now, l.cfg.ViolationDecay())
	switch {
	case high >= 3:
		rec := l.bans.ban(ctx, b.principal, BanHard, l.cfg.HardBanDuration(), l.cfg.EscalationFactor, reason)
		b.state = model.StateHardBanned
		l.emit("USER_HARD_BANNED", map[string]any{
			"principal": b.principal, "level": rec.Level,
			"expires_at": rec.ExpiresAt, "reason": reason,
		})
	case total >= l.cfg.ConsecutiveViolations:
		rec := l.bans.ban(ctx, b.principal, BanSoft, l.cfg.SoftBanDuration(), l.cfg.EscalationFactor, reason)
		b.state = model.StateSoftBanned
		l.emit("USER_SOFT_BANNED", map[string]any{
			"principal": b.principal, "level": rec.Level,
			"expires_at": rec.ExpiresAt, "reason": reason,
		})
	default:
		l.emit("RATE_LIMIT_VIOLATION", map[string]any{
			"principal": b.principal, "reason": reason, "severity": string(sev),
		})
	}
}

func (l *Limiter) remaining(b *principalBucket, action model.Action, now time.Time) map[model.Window]int {
	out := make(map[model.Window]int)
	for w, base := range l.limits[action] {
		if base <= 0 {
			continue
		}
		limit, _ := derivedLimit(base, b.adaptive.Score, b.botFlagged)
		c := b.counter(action, w)
		c.refresh(now, w)
		rem := limit - c.Count
		if rem < 0 {
			rem = 0
		}
		out[w] = rem
	}
	return out
}

func (l *Limiter) resetTimes(b *principalBucket, action model.Action, now time.Time) map[model.Window]time.Time {
	out := make(map[model.Window]time.Time)
	for w, base := range l.limits[action] {
		if base <= 0 {
			continue
		}
		c := b.counter(action, w)
		c.refresh(now, w)
		out[w] = c.ResetAt
	}
	return out
}

// Ban imposes an administrative ban, bypassing the escalation ladder.
// A non-positive duration falls back to the configured duration for the
// kind.
func (l *Limiter) Ban(ctx context.Context, principal string, kind BanKind, d time.Duration, reason string) *BanRecord {
	if d <= 0 {
		if kind == BanHard {
			d = time.Duration(l.cfg.HardBanDurationMs) * time.Millisecond
		} else {
			d = time.Duration(l.cfg.SoftBanDurationMs) * time.Millisecond
		}
	}
	rec := l.bans.ban(ctx, principal, kind, d, 1, reason)
	state := model.StateSoftBanned
	if kind == BanHard {
		state = model.StateHardBanned
	}
	l.buckets.peek(principal, func(b *principalBucket) { b.state = state })
	l.emit("USER_BANNED_ADMIN", map[string]any{
		"principal": principal, "kind": string(kind), "expires_at": rec.ExpiresAt, "reason": reason,
	})
	return rec
}

// Unban lifts a ban immediately.
func (l *Limiter) Unban(ctx context.Context, principal string) bool {
	ok := l.bans.unban(ctx, principal)
	if ok {
		l.buckets.peek(principal, func(b *principalBucket) { b.state = model.StateNormal })
		l.emit("USER_UNBANNED_ADMIN", map[string]any{"principal": principal})
	}
	return ok
}

// State reports the gate state machine position for a principal.
func (l *Limiter) State(ctx context.Context, principal string) model.PrincipalState {
	if ban := l.bans.get(ctx, principal); ban != nil {
		if ban.Kind == BanHard {
			return model.StateHardBanned
		}
		return model.StateSoftBanned
	}
	state := model.StateNormal
	l.buckets.peek(principal, func(b *principalBucket) { state = b.state })
	return state
}

// Status returns an observability snapshot.
func (l *Limiter) Status() Snapshot {
	now := l.now()
	tokens := make(map[model.Action]float64, len(l.globals))
	for action, g := range l.globals {
		tokens[action] = g.TokensAt(now)
	}
	return Snapshot{
		Principals:   l.buckets.count(),
		ActiveBans:   l.bans.count(),
		GlobalTokens: tokens,
		Timestamp:    now,
	}
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := l.buckets.sweep(l.now())
			purged := l.bans.sweep(context.Background())
			if removed > 0 || purged > 0 {
				l.log.Debug("cleanup sweep", "buckets_removed", removed, "bans_purged", purged)
			}
		case <-l.stop:
			return
		}
	}
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	close(l.stop)
}

func (l *Limiter) emit(eventType string, data map[string]any) {
	if l.audit == nil {
		return
	}
	l.audit.Log(eventType, data, map[string]any{"source": "ratelimit"})
}
