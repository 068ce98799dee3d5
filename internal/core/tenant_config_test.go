package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTenantConfig(t *testing.T) {
	cfg := DefaultTenantConfig("t-1", 600, 60, 120)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "t-1", cfg.TenantID)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 120, cfg.RateLimit.BurstSize)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, int64(600), cfg.Correlate.TimeWindowSeconds)
	assert.Equal(t, KeyAssetSignature, cfg.Correlate.AggregationKey)
	assert.False(t, cfg.Webhook.HMACEnabled)
	assert.Equal(t, int64(300), cfg.Webhook.TimestampSkewSeconds)
}

func TestTenantConfigValidate(t *testing.T) {
	valid := func() *TenantConfig { return DefaultTenantConfig("t-1", 600, 60, 120) }

	cases := []struct {
		name   string
		mutate func(*TenantConfig)
	}{
		{"rpm too low", func(c *TenantConfig) { c.RateLimit.RequestsPerMinute = 0 }},
		{"rpm too high", func(c *TenantConfig) { c.RateLimit.RequestsPerMinute = 1001 }},
		{"burst below rpm", func(c *TenantConfig) { c.RateLimit.BurstSize = 10 }},
		{"window too short", func(c *TenantConfig) { c.Correlate.TimeWindowSeconds = 299 }},
		{"window too long", func(c *TenantConfig) { c.Correlate.TimeWindowSeconds = 901 }},
		{"bad aggregation key", func(c *TenantConfig) { c.Correlate.AggregationKey = "host|tool" }},
		{"hmac without secret", func(c *TenantConfig) { c.Webhook.HMACEnabled = true; c.Webhook.Secret = "" }},
		{"zero skew", func(c *TenantConfig) { c.Webhook.TimestampSkewSeconds = 0 }},
		{"missing tenant", func(c *TenantConfig) { c.TenantID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestSLADeadlines(t *testing.T) {
	cfg := DefaultTenantConfig("t-1", 600, 60, 120)
	base := int64(1_700_000_000)

	assert.Equal(t, base+15*60, cfg.ResponseDeadline(SeverityCritical, base))
	assert.Equal(t, base+240*60, cfg.ResolveDeadline(SeverityCritical, base))

	// Unknown severities fall back to one hour / one day.
	assert.Equal(t, base+3600, cfg.ResponseDeadline(Severity("odd"), base))
	assert.Equal(t, base+86400, cfg.ResolveDeadline(Severity("odd"), base))
}
