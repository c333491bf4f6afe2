package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/model"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		MaxTradesPerSecond:       2,
		MaxTradesPerMinute:       1000,
		MaxTradesPerHour:         10000,
		MaxTradesPerDay:          100000,
		MaxOrdersPerSecond:       20,
		MaxOrdersPerMinute:       200,
		MaxOrderUpdatesPerSecond: 50,
		MaxQueriesPerSecond:      50,
		MaxQueriesPerMinute:      1000,
		BurstMultiplier:          3.0,
		BurstWindowMs:            1000,
		ConsecutiveViolations:    5,
		ViolationDecayMs:         600000,
		SoftBanDurationMs:        300000,
		HardBanDurationMs:        3600000,
		EscalationFactor:         2.0,
		SuspicionThreshold:       0.7,
		BanThreshold:             0.9,
		CleanupIntervalMinutes:   5,
	}
}

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	l := New(cfg, nil, nil)
	l.now = clock.now
	l.bans.now = clock.now
	t.Cleanup(l.Close)
	return l, clock
}

func TestAllowWithinLimits(t *testing.T) {
	l, _ := newTestLimiter(t, testConfig())
	v := l.Check(context.Background(), "alice", model.ActionTrade, nil)
	if !v.Allowed {
		t.Fatalf("first call denied: %+v", v)
	}
	if v.Remaining[model.WindowSecond] != 1 {
		t.Fatalf("remaining per-second = %d, want 1", v.Remaining[model.WindowSecond])
	}
}

func TestPerSecondLimitAndSoftBanEscalation(t *testing.T) {
	l, clock := newTestLimiter(t, testConfig())
	ctx := context.Background()

	var verdicts []model.Verdict
	for i := 0; i < 16; i++ {
		verdicts = append(verdicts, l.Check(ctx, "bob", model.ActionTrade, nil))
		clock.advance(50 * time.Millisecond)
	}

	if !verdicts[0].Allowed || !verdicts[1].Allowed {
		t.Fatalf("first two calls must pass")
	}
	for i := 2; i < 7; i++ {
		if verdicts[i].Allowed {
			t.Fatalf("call %d allowed, want RATE_LIMIT_EXCEEDED_PER_SECOND", i+1)
		}
		if verdicts[i].Reason != model.ReasonRateLimitPerSecond {
			t.Fatalf("call %d reason = %s", i+1, verdicts[i].Reason)
		}
	}

	// The fifth violation (call 7) trips the soft ban; everything after is
	// USER_BANNED with ~5 minutes to wait.
	last := verdicts[15]
	if last.Allowed || last.Reason != model.ReasonUserBanned {
		t.Fatalf("call 16 = %+v, want USER_BANNED", last)
	}
	if last.RetryAfterMs < 299*1000 || last.RetryAfterMs > 300*1000 {
		t.Fatalf("retry_after = %dms, want ~300000ms", last.RetryAfterMs)
	}
	if st := l.State(ctx, "bob"); st != model.StateSoftBanned {
		t.Fatalf("state = %s, want SOFT_BANNED", st)
	}
}

func TestWindowBoundaryReset(t *testing.T) {
	l, clock := newTestLimiter(t, testConfig())
	ctx := context.Background()

	l.Check(ctx, "carol", model.ActionTrade, nil)
	l.Check(ctx, "carol", model.ActionTrade, nil)
	if v := l.Check(ctx, "carol", model.ActionTrade, nil); v.Allowed {
		t.Fatalf("third call in the same second must be denied")
	}

	// A call precisely at the boundary belongs to the new window.
	clock.t = clock.t.Truncate(time.Second).Add(time.Second)
	if v := l.Check(ctx, "carol", model.ActionTrade, nil); !v.Allowed {
		t.Fatalf("call at window boundary denied: %+v", v)
	}
}

func TestBotDetectionPreciseTiming(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTradesPerSecond = 30 // generous so windows don't fire first
	cfg.BurstMultiplier = 0.4   // burst threshold = 12 calls in 1s
	l, clock := newTestLimiter(t, cfg)
	ctx := context.Background()

	var denied *model.Verdict
	for i := 0; i < 50; i++ {
		v := l.Check(ctx, "robot", model.ActionTrade, nil)
		if !v.Allowed && v.Reason == model.ReasonBotBehaviorDetected {
			denied = &v
			if i >= 15 {
				t.Fatalf("bot detection fired at call %d, want within the first 15", i+1)
			}
			break
		}
		clock.advance(50 * time.Millisecond)
	}
	if denied == nil {
		t.Fatalf("machine-steady 50ms cadence never detected")
	}
	if denied.Suspicion <= 0.8 {
		t.Fatalf("suspicion = %v, want > 0.8", denied.Suspicion)
	}
	wantPatterns := map[string]bool{PatternImpossibleSpeed: false, PatternPreciseTiming: false}
	for _, p := range denied.Patterns {
		if _, ok := wantPatterns[p]; ok {
			wantPatterns[p] = true
		}
	}
	for p, seen := range wantPatterns {
		if !seen {
			t.Fatalf("patterns %v missing %s", denied.Patterns, p)
		}
	}
}

func TestBanExpiryReinstates(t *testing.T) {
	l, clock := newTestLimiter(t, testConfig())
	ctx := context.Background()

	l.Ban(ctx, "dave", BanSoft, time.Minute, "test")
	if v := l.Check(ctx, "dave", model.ActionTrade, nil); v.Allowed {
		t.Fatalf("banned principal allowed")
	}

	// At the expiry instant the next call goes through the normal gates.
	clock.advance(time.Minute)
	if v := l.Check(ctx, "dave", model.ActionTrade, nil); !v.Allowed {
		t.Fatalf("call at ban expiry denied: %+v", v)
	}
	if st := l.State(ctx, "dave"); st != model.StateNormal {
		t.Fatalf("state after expiry = %s, want NORMAL", st)
	}
}

func TestRebanExtendsNotDuplicates(t *testing.T) {
	l, clock := newTestLimiter(t, testConfig())
	ctx := context.Background()

	first := l.bans.ban(ctx, "eve", BanSoft, 5*time.Minute, 2.0, "r1")
	clock.advance(time.Minute)
	second := l.bans.ban(ctx, "eve", BanSoft, 5*time.Minute, 2.0, "r2")

	if second.Level != first.Level+1 {
		t.Fatalf("level = %d, want %d", second.Level, first.Level+1)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("re-ban did not extend expiry")
	}
	if n := l.bans.count(); n != 1 {
		t.Fatalf("ban records = %d, want 1", n)
	}
}

func TestHardBanOnHighViolations(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTradesPerHour = 1 // hour-window violations are HIGH severity
	cfg.ConsecutiveViolations = 100
	l, clock := newTestLimiter(t, cfg)
	ctx := context.Background()

	l.Check(ctx, "mallory", model.ActionTrade, nil)
	for i := 0; i < 3; i++ {
		clock.advance(2 * time.Second)
		l.Check(ctx, "mallory", model.ActionTrade, nil)
	}
	if st := l.State(ctx, "mallory"); st != model.StateHardBanned {
		t.Fatalf("state = %s, want HARD_BANNED after 3 HIGH violations", st)
	}
}

func TestAdaptivePenalty(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTradesPerSecond = 1
	cfg.ConsecutiveViolations = 100 // keep the ban ladder out of the way
	cfg.BanThreshold = 0.25
	l, clock := newTestLimiter(t, cfg)
	ctx := context.Background()

	// One allow + one violation per second; the third violation pushes the
	// adaptive score past the threshold and arms the penalty.
	for i := 0; i < 3; i++ {
		l.Check(ctx, "frank", model.ActionTrade, nil)
		l.Check(ctx, "frank", model.ActionTrade, nil)
		clock.advance(time.Second)
	}

	v := l.Check(ctx, "frank", model.ActionTrade, nil)
	if v.Allowed || v.Reason != model.ReasonAdaptivePenalty {
		t.Fatalf("verdict = %+v, want ADAPTIVE_PENALTY_ACTIVE", v)
	}
	if v.RetryAfterMs <= 0 {
		t.Fatalf("penalty deny must carry a retry hint")
	}
}

func TestGlobalCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTradesPerSecond = 100
	cfg.GlobalTradesPerSecond = 1
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	if v := l.Check(ctx, "p1", model.ActionTrade, nil); !v.Allowed {
		t.Fatalf("first platform call denied: %+v", v)
	}
	v := l.Check(ctx, "p2", model.ActionTrade, nil)
	if v.Allowed || v.Reason != model.ReasonGlobalRateLimit {
		t.Fatalf("verdict = %+v, want GLOBAL_RATE_LIMIT_EXCEEDED", v)
	}
}

func TestCounterNeverExceedsLimit(t *testing.T) {
	l, clock := newTestLimiter(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		v := l.Check(ctx, "grace", model.ActionQuery, nil)
		if rem, ok := v.Remaining[model.WindowSecond]; ok && rem < 0 {
			t.Fatalf("negative remaining at call %d", i)
		}
		clock.advance(5 * time.Millisecond)
	}
}

func TestBucketSweep(t *testing.T) {
	l, clock := newTestLimiter(t, testConfig())
	l.Check(context.Background(), "idle", model.ActionQuery, nil)
	if l.buckets.count() != 1 {
		t.Fatalf("bucket not created")
	}
	clock.advance(25 * time.Hour)
	if removed := l.buckets.sweep(clock.now()); removed != 1 {
		t.Fatalf("sweep removed %d buckets, want 1", removed)
	}
}

func TestDerivedLimit(t *testing.T) {
	// Clean profile: full base limit.
	if limit, _ := derivedLimit(10, 0, false); limit != 10 {
		t.Fatalf("clean limit = %d, want 10", limit)
	}
	// High score collapses the raw limit toward zero.
	if _, raw := derivedLimit(1, 1.0, true); raw != 0 {
		t.Fatalf("raw = %d, want 0 under max suspicion", raw)
	}
	// Clamped limit never drops below 1.
	if limit, _ := derivedLimit(1, 1.0, true); limit != 1 {
		t.Fatalf("clamped limit = %d, want 1", limit)
	}
}
