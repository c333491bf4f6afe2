package model

import "time"

// Audit severity levels. Distinct from anomaly Severity: audit severity
// classifies the logged event, not a statistical finding.
type AuditSeverity string

const (
	AuditLow      AuditSeverity = "LOW"
	AuditMedium   AuditSeverity = "MEDIUM"
	AuditHigh     AuditSeverity = "HIGH"
	AuditCritical AuditSeverity = "CRITICAL"
)

// Audit categories derived from event-type substrings.
type AuditCategory string

const (
	CategoryAuth    AuditCategory = "AUTH"
	CategoryAccess  AuditCategory = "ACCESS"
	CategoryData    AuditCategory = "DATA"
	CategoryNetwork AuditCategory = "NETWORK"
	CategorySystem  AuditCategory = "SYSTEM"
	CategoryGeneral AuditCategory = "GENERAL"
)

// ComplianceFlags capture retention/handling requirements attached at seal
// time.
type ComplianceFlags struct {
	PII                bool `json:"pii"`
	RetentionDays      int  `json:"retention_days"`
	EncryptionRequired bool `json:"encryption_required"`
}

// SystemState is a small snapshot captured when an entry is sealed.
type SystemState struct {
	Hostname   string `json:"hostname,omitempty"`
	PID        int    `json:"pid"`
	Goroutines int    `json:"goroutines"`
	HeapBytes  uint64 `json:"heap_bytes"`
}

// ActivityRef is a lightweight pointer into the per-user audit index.
type ActivityRef struct {
	EventID   string        `json:"event_id"`
	EventType string        `json:"event_type"`
	Timestamp time.Time     `json:"timestamp"`
	Severity  AuditSeverity `json:"severity"`
}

// LogEntry is a sealed, hash-chained security audit record. One JSON
// object per line on disk.
type LogEntry struct {
	ID            string           `json:"id"`
	Sequence      uint64           `json:"sequence"`
	Timestamp     time.Time        `json:"timestamp"`
	EventType     string           `json:"event_type"`
	Severity      AuditSeverity    `json:"severity"`
	Category      AuditCategory    `json:"category"`
	Data          map[string]any   `json:"data"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Compliance    ComplianceFlags  `json:"compliance"`
	SystemState   SystemState      `json:"system_state"`
	StackTrace    string           `json:"stack_trace,omitempty"`
	Checksum      string           `json:"checksum"`
	HashChainLink string           `json:"hash_chain_link"`
	Signature     string           `json:"signature,omitempty"`
}
