package model

import "time"

// Deny reasons returned by the rate limiter. Policy rejections are
// expected traffic-shaping outcomes, never errors.
const (
	ReasonUserBanned          = "USER_BANNED"
	ReasonGlobalRateLimit     = "GLOBAL_RATE_LIMIT_EXCEEDED"
	ReasonRateLimitPerSecond  = "RATE_LIMIT_EXCEEDED_PER_SECOND"
	ReasonRateLimitPerMinute  = "RATE_LIMIT_EXCEEDED_PER_MINUTE"
	ReasonRateLimitPerHour    = "RATE_LIMIT_EXCEEDED_PER_HOUR"
	ReasonRateLimitPerDay     = "RATE_LIMIT_EXCEEDED_PER_DAY"
	ReasonAdaptivePenalty     = "ADAPTIVE_PENALTY_ACTIVE"
	ReasonAdaptiveLimit       = "ADAPTIVE_LIMIT_EXCEEDED"
	ReasonBotBehaviorDetected = "BOT_BEHAVIOR_DETECTED"
)

// RateLimitReason maps a window to its deny reason.
func RateLimitReason(w Window) string {
	switch w {
	case WindowSecond:
		return ReasonRateLimitPerSecond
	case WindowMinute:
		return ReasonRateLimitPerMinute
	case WindowHour:
		return ReasonRateLimitPerHour
	case WindowDay:
		return ReasonRateLimitPerDay
	default:
		return ReasonRateLimitPerSecond
	}
}

// Verdict is the rate limiter's answer for a single check.
type Verdict struct {
	Allowed      bool                 `json:"allowed"`
	Reason       string               `json:"reason,omitempty"`
	RetryAfterMs int64                `json:"retry_after_ms,omitempty"`
	Remaining    map[Window]int       `json:"remaining,omitempty"`
	ResetAt      map[Window]time.Time `json:"reset_at,omitempty"`
	Suspicion    float64              `json:"suspicion"`
	BanLevel     int                  `json:"ban_level,omitempty"`
	Patterns     []string             `json:"patterns,omitempty"` // contributing bot patterns
	Warning      string               `json:"warning,omitempty"`  // set on degraded allows
}

// PrincipalState is the per-principal gate state machine.
type PrincipalState string

const (
	StateNormal     PrincipalState = "NORMAL"
	StateSuspicious PrincipalState = "SUSPICIOUS"
	StateSoftBanned PrincipalState = "SOFT_BANNED"
	StateHardBanned PrincipalState = "HARD_BANNED"
)
