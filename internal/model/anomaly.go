package model

import "time"

// Severity of an individual anomaly finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly type identifiers emitted by the detectors.
const (
	AnomalyPriceDeviation       = "PRICE_DEVIATION"
	AnomalyBollingerBreach      = "BOLLINGER_BAND_BREACH"
	AnomalyImpossiblePrice      = "STATISTICALLY_IMPOSSIBLE_PRICE"
	AnomalyPriceGap             = "SUDDEN_PRICE_GAP"
	AnomalyVolume               = "VOLUME_ANOMALY"
	AnomalyVolumeSpike          = "VOLUME_SPIKE"
	AnomalyVelocity             = "VELOCITY_ANOMALY"
	AnomalyImpossibleProfit     = "IMPOSSIBLE_PROFIT"
	AnomalyTimingPrecision      = "TIMING_PRECISION"
	AnomalyMarketTiming         = "MARKET_TIMING"
	AnomalyWashTrading          = "WASH_TRADING"
	AnomalyPumpAndDump          = "PUMP_AND_DUMP"
	AnomalyCoordinatedTrading   = "COORDINATED_TRADING"
	AnomalyOffHoursTrading      = "OFF_HOURS_TRADING"
	AnomalyHighFrequencyTrading = "HIGH_FREQUENCY_TRADING"
	AnomalyCorrelationBreakdown = "CORRELATION_BREAKDOWN"
)

// Anomaly is a single detector finding.
type Anomaly struct {
	Type     string         `json:"type"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

// RiskBucket buckets the aggregate score.
type RiskBucket string

const (
	RiskMinimal  RiskBucket = "minimal"
	RiskLow      RiskBucket = "low"
	RiskMedium   RiskBucket = "medium"
	RiskHigh     RiskBucket = "high"
	RiskCritical RiskBucket = "critical"
)

// Recommended actions, ordered by escalation.
const (
	ActionNoAction               = "NO_ACTION"
	ActionLogAndMonitor          = "LOG_AND_MONITOR"
	ActionFlagForReview          = "FLAG_FOR_REVIEW"
	ActionEnhancedMonitoring     = "ENHANCED_MONITORING"
	ActionImmediateInvestigation = "IMMEDIATE_INVESTIGATION"
)

// ScoredVerdict is the anomaly detector's answer for a single trade.
type ScoredVerdict struct {
	TradeID           string     `json:"trade_id"`
	Symbol            string     `json:"symbol"`
	Principal         string     `json:"principal"`
	Anomalies         []Anomaly  `json:"anomalies"`
	Score             float64    `json:"score"`
	Risk              RiskBucket `json:"risk"`
	RecommendedAction string     `json:"recommended_action"`
	AnalyzedAt        time.Time  `json:"analyzed_at"`
}
