package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_ratelimit_checks_total",
		Help: "The total number of rate limit checks",
	}, []string{"action", "verdict", "reason"})

	ActiveBans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustgate_ratelimit_active_bans",
		Help: "Number of principals currently banned",
	})

	BotDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_ratelimit_bot_detections_total",
		Help: "Bot behavior detections by pattern",
	}, []string{"pattern"})

	AuditBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustgate_audit_buffer_depth",
		Help: "Entries waiting in the audit buffer",
	})

	AuditFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_audit_flushes_total",
		Help: "Audit buffer flushes by outcome",
	}, []string{"outcome"})

	AuditFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustgate_audit_flush_duration_seconds",
		Help:    "Time spent writing an audit batch",
		Buckets: prometheus.DefBuckets,
	})

	AuditRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustgate_audit_rotations_total",
		Help: "Log file rotations",
	})

	IntegrityIssues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_audit_integrity_issues_total",
		Help: "Integrity issues found during verification",
	}, []string{"issue"})

	AlertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_audit_alerts_total",
		Help: "Security alerts triggered by event type",
	}, []string{"event_type"})

	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_anomaly_detections_total",
		Help: "Anomalies detected by type and severity",
	}, []string{"type", "severity"})

	AnomalyScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustgate_anomaly_score",
		Help:    "Aggregate anomaly score distribution",
		Buckets: []float64{0.1, 0.2, 0.4, 0.6, 0.8, 0.9, 1},
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
