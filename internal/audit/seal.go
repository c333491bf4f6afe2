package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/simexchange/trustgate/internal/model"
)

// Redacted replaces any data value whose key matches the secret predicate.
const Redacted = "[REDACTED]"

// Static event-type -> severity table. Unknown events default to LOW.
var severityByEvent = map[string]model.AuditSeverity{
	"SECURITY_BREACH":          model.AuditCritical,
	"SYSTEM_COMPROMISE":        model.AuditCritical,
	"CRITICAL_VIOLATION":       model.AuditCritical,
	"UNAUTHORIZED_ACCESS":      model.AuditCritical,
	"USER_HARD_BANNED":         model.AuditHigh,
	"BOT_BEHAVIOR_DETECTED":    model.AuditHigh,
	"SECURITY_ALERT_TRIGGERED": model.AuditHigh,
	"ANOMALY_DETECTED":         model.AuditHigh,
	"INTEGRITY_CHECK_FAILED":   model.AuditHigh,
	"FAILED_LOGIN":             model.AuditMedium,
	"USER_SOFT_BANNED":         model.AuditMedium,
	"RATE_LIMIT_VIOLATION":     model.AuditMedium,
	"ADAPTIVE_PENALTY_ARMED":   model.AuditMedium,
	"USER_BANNED_ADMIN":        model.AuditMedium,
	"USER_UNBANNED_ADMIN":      model.AuditLow,
	"SYSTEM_EVENT":             model.AuditLow,
	"AUDIT_LOGGER_SHUTDOWN":    model.AuditLow,
}

func severityFor(eventType string) model.AuditSeverity {
	if s, ok := severityByEvent[eventType]; ok {
		return s
	}
	return model.AuditLow
}

func categoryFor(eventType string) model.AuditCategory {
	switch {
	case strings.Contains(eventType, "AUTH"):
		return model.CategoryAuth
	case strings.Contains(eventType, "ACCESS"):
		return model.CategoryAccess
	case strings.Contains(eventType, "DATA"):
		return model.CategoryData
	case strings.Contains(eventType, "NETWORK"):
		return model.CategoryNetwork
	case strings.Contains(eventType, "SYSTEM"):
		return model.CategorySystem
	default:
		return model.CategoryGeneral
	}
}

var piiKeys = []string{"user_id", "principal", "email", "ip", "address"}

func complianceFor(data map[string]any, severity model.AuditSeverity, retentionDays int) model.ComplianceFlags {
	flags := model.ComplianceFlags{RetentionDays: retentionDays}
	for _, k := range piiKeys {
		if _, ok := data[k]; ok {
			flags.PII = true
			break
		}
	}
	switch severity {
	case model.AuditCritical:
		flags.RetentionDays = 2555
	case model.AuditHigh:
		flags.RetentionDays = 365
	}
	flags.EncryptionRequired = flags.PII || severity == model.AuditHigh || severity == model.AuditCritical
	return flags
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "secret") || strings.Contains(k, "token")
}

// sanitizeMap deep-copies m, replacing every value whose key matches the
// secret predicate at any nesting depth.
func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSecretKey(k) {
			out[k] = Redacted
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = sanitizeMap(val)
		case []any:
			cp := make([]any, len(val))
			for i, item := range val {
				if sub, ok := item.(map[string]any); ok {
					cp[i] = sanitizeMap(sub)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func captureSystemState() model.SystemState {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	host, _ := os.Hostname()
	return model.SystemState{
		Hostname:   host,
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  mem.HeapAlloc,
	}
}

func newEventID(ts time.Time) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to the clock, ids stay unique via the nanosecond part
		return fmt.Sprintf("event_%d_%08x", ts.UnixNano(), ts.Nanosecond())
	}
	return fmt.Sprintf("event_%d_%s", ts.UnixNano(), hex.EncodeToString(b[:]))
}

// checksumPayload fixes the canonical field order covered by the HMAC.
// Map keys inside Data are sorted by encoding/json, so marshaling is
// deterministic for a given entry.
type checksumPayload struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Sequence  uint64         `json:"sequence"`
}

type sealer struct {
	integrityKey []byte
	signatureKey []byte
	sign         bool
}

func newSealer(integrityKey, signatureKey string) *sealer {
	s := &sealer{integrityKey: []byte(integrityKey)}
	if signatureKey != "" {
		s.signatureKey = []byte(signatureKey)
		s.sign = true
	}
	return s
}

func (s *sealer) checksum(e *model.LogEntry) string {
	raw, err := json.Marshal(checksumPayload{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		EventType: e.EventType,
		Data:      e.Data,
		Sequence:  e.Sequence,
	})
	if err != nil {
		// map values are always JSON-encodable by the time they reach
		// sealing; keep the chain deterministic anyway
		raw = []byte(fmt.Sprintf("%s|%d|%s", e.ID, e.Sequence, e.EventType))
	}
	mac := hmac.New(sha256.New, s.integrityKey)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}

func chainLink(checksum, prevLink string) string {
	sum := sha256.Sum256([]byte(checksum + prevLink))
	return hex.EncodeToString(sum[:])
}

// seal computes checksum, hash-chain link and optional signature in place
// and returns the entry's link for the next entry in the chain.
func (s *sealer) seal(e *model.LogEntry, prevLink string) string {
	e.Checksum = s.checksum(e)
	e.HashChainLink = chainLink(e.Checksum, prevLink)
	if s.sign {
		mac := hmac.New(sha256.New, s.signatureKey)
		mac.Write([]byte(e.Checksum))
		e.Signature = hex.EncodeToString(mac.Sum(nil))
	}
	return e.HashChainLink
}
