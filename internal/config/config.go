package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Feed      FeedConfig      `mapstructure:"feed"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	AdminKey string `mapstructure:"admin_key"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig covers the admission-gate tuning knobs. Limits of 0
// disable the corresponding window.
type RateLimitConfig struct {
	// Per-principal limits for TRADE
	MaxTradesPerSecond int `mapstructure:"max_trades_per_second"`
	MaxTradesPerMinute int `mapstructure:"max_trades_per_minute"`
	MaxTradesPerHour   int `mapstructure:"max_trades_per_hour"`
	MaxTradesPerDay    int `mapstructure:"max_trades_per_day"`

	// Per-principal limits for the other action kinds
	MaxOrdersPerSecond       int `mapstructure:"max_orders_per_second"`
	MaxOrdersPerMinute       int `mapstructure:"max_orders_per_minute"`
	MaxOrderUpdatesPerSecond int `mapstructure:"max_order_updates_per_second"`
	MaxQueriesPerSecond      int `mapstructure:"max_queries_per_second"`
	MaxQueriesPerMinute      int `mapstructure:"max_queries_per_minute"`

	// Platform-wide ceilings
	GlobalTradesPerSecond int `mapstructure:"global_trades_per_second"`
	GlobalOrdersPerSecond int `mapstructure:"global_orders_per_second"`

	// Burst detector tuning
	BurstMultiplier float64 `mapstructure:"burst_multiplier"`
	BurstWindowMs   int     `mapstructure:"burst_window_ms"`

	// Escalation thresholds
	ConsecutiveViolations int `mapstructure:"consecutive_violations"`
	ViolationDecayMs      int `mapstructure:"violation_decay_ms"`

	// Ban escalation
	SoftBanDurationMs int     `mapstructure:"soft_ban_duration_ms"`
	HardBanDurationMs int     `mapstructure:"hard_ban_duration_ms"`
	EscalationFactor  float64 `mapstructure:"escalation_factor"`

	// Adaptive gating
	SuspicionThreshold float64 `mapstructure:"suspicion_threshold"`
	BanThreshold       float64 `mapstructure:"ban_threshold"`

	// When true the platform-wide ceiling is checked before per-principal
	// windows (legacy ordering). Default is per-principal first.
	CheckGlobalFirst bool `mapstructure:"check_global_first"`

	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
}

type AuditConfig struct {
	LogDirectory    string   `mapstructure:"log_directory"`
	BufferSize      int      `mapstructure:"buffer_size"`
	FlushIntervalMs int      `mapstructure:"flush_interval_ms"`
	ForceFlushEvents []string `mapstructure:"force_flush_events"`

	// Retention
	MaxLogFileSize int64 `mapstructure:"max_log_file_size"`
	MaxLogFiles    int   `mapstructure:"max_log_files"`
	RetentionDays  int   `mapstructure:"retention_days"`

	// Security knobs
	HashChain         bool   `mapstructure:"hash_chain"`
	DigitalSignatures bool   `mapstructure:"digital_signatures"`
	EncryptLogs       bool   `mapstructure:"encrypt_logs"`
	IntegrityKey      string `mapstructure:"integrity_key"`
	SignatureKey      string `mapstructure:"signature_key"`
	EncryptionKey     string `mapstructure:"encryption_key"`

	// Alert firing counts per event type within one hour
	AlertThresholds map[string]int `mapstructure:"alert_thresholds"`

	IndexPersistIntervalMs int `mapstructure:"index_persist_interval_ms"`
}

type AnomalyConfig struct {
	// thresholds.*
	PriceZScore        float64 `mapstructure:"price_z_score"`
	VolumeZScore       float64 `mapstructure:"volume_z_score"`
	VelocityZScore     float64 `mapstructure:"velocity_z_score"`
	PriceGapPct        float64 `mapstructure:"price_gap_pct"`
	ImpossibleProb     float64 `mapstructure:"impossible_prob"`
	ProfitThreshold    float64 `mapstructure:"profit_threshold"`
	WashTradingScore   float64 `mapstructure:"wash_trading_score"`
	HighFrequencyPerMin int    `mapstructure:"high_frequency_per_min"`

	// windows.*
	PriceHistoryMax    int `mapstructure:"price_history_max"`
	ProfileTradesMax   int `mapstructure:"profile_trades_max"`
	BehaviorWindowMax  int `mapstructure:"behavior_window_max"`
	HistoryMaxAgeHours int `mapstructure:"history_max_age_hours"`
	BollingerPeriod    int `mapstructure:"bollinger_period"`
	PumpWindowMinutes  int `mapstructure:"pump_window_minutes"`

	// Off-hours trading window, hours in UTC [start, end)
	OffHoursStart int `mapstructure:"off_hours_start"`
	OffHoursEnd   int `mapstructure:"off_hours_end"`

	// symbol -> correlated symbols whose realized correlation is expected
	// to stay above correlation_floor
	CorrelatedSymbols map[string][]string `mapstructure:"correlated_symbols"`
	CorrelationFloor  float64             `mapstructure:"correlation_floor"`

	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	AuditRetentionDays     int    `mapstructure:"audit_retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type FeedConfig struct {
	URL       string `mapstructure:"url"`
	ApiKey    string `mapstructure:"api_key"`
	ApiSecret string `mapstructure:"api_secret"`
}

// FlushInterval converts the millisecond knob to a duration.
func (c AuditConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (c RateLimitConfig) BurstWindow() time.Duration {
	return time.Duration(c.BurstWindowMs) * time.Millisecond
}

func (c RateLimitConfig) ViolationDecay() time.Duration {
	return time.Duration(c.ViolationDecayMs) * time.Millisecond
}

func (c RateLimitConfig) SoftBanDuration() time.Duration {
	return time.Duration(c.SoftBanDurationMs) * time.Millisecond
}

func (c RateLimitConfig) HardBanDuration() time.Duration {
	return time.Duration(c.HardBanDurationMs) * time.Millisecond
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. TRUSTGATE_AUDIT_LOG_DIRECTORY
	viper.SetEnvPrefix("trustgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("ratelimit.max_trades_per_second", 10)
	viper.SetDefault("ratelimit.max_trades_per_minute", 100)
	viper.SetDefault("ratelimit.max_trades_per_hour", 1000)
	viper.SetDefault("ratelimit.max_trades_per_day", 10000)
	viper.SetDefault("ratelimit.max_orders_per_second", 20)
	viper.SetDefault("ratelimit.max_orders_per_minute", 200)
	viper.SetDefault("ratelimit.max_order_updates_per_second", 50)
	viper.SetDefault("ratelimit.max_queries_per_second", 50)
	viper.SetDefault("ratelimit.max_queries_per_minute", 1000)
	viper.SetDefault("ratelimit.global_trades_per_second", 1000)
	viper.SetDefault("ratelimit.global_orders_per_second", 2000)
	viper.SetDefault("ratelimit.burst_multiplier", 3.0)
	viper.SetDefault("ratelimit.burst_window_ms", 1000)
	viper.SetDefault("ratelimit.consecutive_violations", 5)
	viper.SetDefault("ratelimit.violation_decay_ms", 600000)
	viper.SetDefault("ratelimit.soft_ban_duration_ms", 300000)
	viper.SetDefault("ratelimit.hard_ban_duration_ms", 3600000)
	viper.SetDefault("ratelimit.escalation_factor", 2.0)
	viper.SetDefault("ratelimit.suspicion_threshold", 0.7)
	viper.SetDefault("ratelimit.ban_threshold", 0.9)
	viper.SetDefault("ratelimit.check_global_first", false)
	viper.SetDefault("ratelimit.cleanup_interval_minutes", 5)

	viper.SetDefault("audit.log_directory", "./logs")
	viper.SetDefault("audit.buffer_size", 100)
	viper.SetDefault("audit.flush_interval_ms", 10000)
	viper.SetDefault("audit.force_flush_events", []string{
		"SECURITY_BREACH", "UNAUTHORIZED_ACCESS", "SYSTEM_COMPROMISE", "CRITICAL_VIOLATION",
	})
	viper.SetDefault("audit.max_log_file_size", int64(10*1024*1024))
	viper.SetDefault("audit.max_log_files", 10)
	viper.SetDefault("audit.retention_days", 30)
	viper.SetDefault("audit.hash_chain", true)
	viper.SetDefault("audit.digital_signatures", false)
	viper.SetDefault("audit.encrypt_logs", false)
	viper.SetDefault("audit.integrity_key", "trustgate-default-integrity-key")
	viper.SetDefault("audit.index_persist_interval_ms", 60000)

	viper.SetDefault("anomaly.price_z_score", 3.0)
	viper.SetDefault("anomaly.volume_z_score", 2.5)
	viper.SetDefault("anomaly.velocity_z_score", 5.0)
	viper.SetDefault("anomaly.price_gap_pct", 0.10)
	viper.SetDefault("anomaly.impossible_prob", 0.001)
	viper.SetDefault("anomaly.profit_threshold", 0.20)
	viper.SetDefault("anomaly.wash_trading_score", 0.7)
	viper.SetDefault("anomaly.high_frequency_per_min", 120)
	viper.SetDefault("anomaly.price_history_max", 1000)
	viper.SetDefault("anomaly.profile_trades_max", 500)
	viper.SetDefault("anomaly.behavior_window_max", 100)
	viper.SetDefault("anomaly.history_max_age_hours", 24)
	viper.SetDefault("anomaly.bollinger_period", 20)
	viper.SetDefault("anomaly.pump_window_minutes", 30)
	viper.SetDefault("anomaly.off_hours_start", 2)
	viper.SetDefault("anomaly.off_hours_end", 6)
	viper.SetDefault("anomaly.correlation_floor", 0.1)
	viper.SetDefault("anomaly.sweep_interval_minutes", 5)

	viper.SetDefault("database.audit_retention_days", 30)
	viper.SetDefault("database.cleanup_interval_minutes", 60)
}

// Validate enforces the construction-time invariants. An unreadable or
// inconsistent configuration is the only fatal error class in the system.
func (c *Config) Validate() error {
	if c.RateLimit.BurstMultiplier <= 0 {
		return fmt.Errorf("ratelimit.burst_multiplier must be positive, got %v", c.RateLimit.BurstMultiplier)
	}
	if c.RateLimit.EscalationFactor < 1 {
		return fmt.Errorf("ratelimit.escalation_factor must be >= 1, got %v", c.RateLimit.EscalationFactor)
	}
	if c.RateLimit.SuspicionThreshold < 0 || c.RateLimit.SuspicionThreshold > 1 {
		return fmt.Errorf("ratelimit.suspicion_threshold must be in [0,1], got %v", c.RateLimit.SuspicionThreshold)
	}
	if c.RateLimit.ConsecutiveViolations < 1 {
		return fmt.Errorf("ratelimit.consecutive_violations must be >= 1, got %d", c.RateLimit.ConsecutiveViolations)
	}
	if c.RateLimit.SoftBanDurationMs <= 0 || c.RateLimit.HardBanDurationMs <= 0 {
		return fmt.Errorf("ratelimit ban durations must be positive")
	}
	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("audit.buffer_size must be >= 1, got %d", c.Audit.BufferSize)
	}
	if c.Audit.MaxLogFileSize <= 0 {
		return fmt.Errorf("audit.max_log_file_size must be positive, got %d", c.Audit.MaxLogFileSize)
	}
	if c.Audit.MaxLogFiles < 1 {
		return fmt.Errorf("audit.max_log_files must be >= 1, got %d", c.Audit.MaxLogFiles)
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit.retention_days must be >= 1, got %d", c.Audit.RetentionDays)
	}
	if c.Audit.HashChain && c.Audit.IntegrityKey == "" {
		return fmt.Errorf("audit.integrity_key required when hash_chain is enabled")
	}
	if c.Audit.DigitalSignatures && c.Audit.SignatureKey == "" {
		return fmt.Errorf("audit.signature_key required when digital_signatures is enabled")
	}
	if c.Audit.EncryptLogs && c.Audit.EncryptionKey == "" {
		return fmt.Errorf("audit.encryption_key required when encrypt_logs is enabled")
	}
	if c.Anomaly.PriceHistoryMax < 10 {
		return fmt.Errorf("anomaly.price_history_max must be >= 10, got %d", c.Anomaly.PriceHistoryMax)
	}
	if c.Anomaly.OffHoursStart < 0 || c.Anomaly.OffHoursStart > 23 ||
		c.Anomaly.OffHoursEnd < 0 || c.Anomaly.OffHoursEnd > 24 {
		return fmt.Errorf("anomaly off-hours window out of range")
	}
	return nil
}
