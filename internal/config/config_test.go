package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.RateLimit.BurstMultiplier = 3.0
	cfg.RateLimit.EscalationFactor = 2.0
	cfg.RateLimit.SuspicionThreshold = 0.7
	cfg.RateLimit.ConsecutiveViolations = 5
	cfg.RateLimit.SoftBanDurationMs = 300000
	cfg.RateLimit.HardBanDurationMs = 3600000
	cfg.Audit.BufferSize = 100
	cfg.Audit.MaxLogFileSize = 10 * 1024 * 1024
	cfg.Audit.MaxLogFiles = 10
	cfg.Audit.RetentionDays = 30
	cfg.Audit.HashChain = true
	cfg.Audit.IntegrityKey = "k"
	cfg.Anomaly.PriceHistoryMax = 1000
	cfg.Anomaly.OffHoursStart = 2
	cfg.Anomaly.OffHoursEnd = 6
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsInconsistentKnobs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero burst multiplier", func(c *Config) { c.RateLimit.BurstMultiplier = 0 }},
		{"escalation below one", func(c *Config) { c.RateLimit.EscalationFactor = 0.5 }},
		{"suspicion out of range", func(c *Config) { c.RateLimit.SuspicionThreshold = 1.5 }},
		{"zero violations", func(c *Config) { c.RateLimit.ConsecutiveViolations = 0 }},
		{"zero ban duration", func(c *Config) { c.RateLimit.SoftBanDurationMs = 0 }},
		{"zero audit buffer", func(c *Config) { c.Audit.BufferSize = 0 }},
		{"zero file size", func(c *Config) { c.Audit.MaxLogFileSize = 0 }},
		{"hash chain without key", func(c *Config) { c.Audit.IntegrityKey = "" }},
		{"signatures without key", func(c *Config) { c.Audit.DigitalSignatures = true }},
		{"encryption without key", func(c *Config) { c.Audit.EncryptLogs = true }},
		{"tiny price history", func(c *Config) { c.Anomaly.PriceHistoryMax = 5 }},
		{"off-hours out of range", func(c *Config) { c.Anomaly.OffHoursStart = 24 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestBanDurationHelpers(t *testing.T) {
	cfg := validConfig()
	require.Equal(t, cfg.RateLimit.SoftBanDuration().Milliseconds(), int64(300000))
	require.Equal(t, cfg.RateLimit.HardBanDuration().Milliseconds(), int64(3600000))
	cfg.Audit.FlushIntervalMs = 250
	require.Equal(t, cfg.Audit.FlushInterval().Milliseconds(), int64(250))
}
