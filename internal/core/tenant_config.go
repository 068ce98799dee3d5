package core

import "fmt"

// Per-tenant policy knobs. One TenantConfig document is stored per tenant
// and cached by internal/tenants with a short TTL; changing it publishes
// config.invalidated so other instances reload.

// RateLimitConfig bounds webhook admission per tenant.
type RateLimitConfig struct {
	RequestsPerMinute int  `json:"requests_per_minute"`
	BurstSize         int  `json:"burst_size"`
	Enabled           bool `json:"enabled"`
}

// CorrelationConfig controls how alerts group into incidents.
type CorrelationConfig struct {
	TimeWindowSeconds int64          `json:"time_window_seconds"`
	AggregationKey    AggregationKey `json:"aggregation_key"`
	AutoCorrelate     bool           `json:"auto_correlate"`
}

// WebhookSecurityConfig controls inbound HMAC verification.
type WebhookSecurityConfig struct {
	HMACEnabled          bool   `json:"hmac_enabled"`
	Secret               string `json:"secret,omitempty"`
	TimestampSkewSeconds int64  `json:"timestamp_skew_seconds"`
}

// SLAConfig sets response and resolve deadlines in minutes by severity.
type SLAConfig struct {
	ResponseMinutes map[Severity]int `json:"response_minutes"`
	ResolveMinutes  map[Severity]int `json:"resolve_minutes"`
}

// TenantConfig is the stored per-tenant policy document.
type TenantConfig struct {
	ID        string                `json:"id"` // equals TenantID
	TenantID  string                `json:"tenant_id"`
	RateLimit RateLimitConfig       `json:"rate_limit"`
	Correlate CorrelationConfig     `json:"correlation"`
	Webhook   WebhookSecurityConfig `json:"webhook_security"`
	SLA       SLAConfig             `json:"sla"`
	UpdatedAt int64                 `json:"updated_at"`
}

// DefaultTenantConfig returns the policy applied to tenants that have never
// been configured. windowSeconds, rpm, and burst come from service config.
func DefaultTenantConfig(tenantID string, windowSeconds int64, rpm, burst int) *TenantConfig {
	return &TenantConfig{
		ID:       tenantID,
		TenantID: tenantID,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: rpm,
			BurstSize:         burst,
			Enabled:           true,
		},
		Correlate: CorrelationConfig{
			TimeWindowSeconds: windowSeconds,
			AggregationKey:    KeyAssetSignature,
			AutoCorrelate:     true,
		},
		Webhook: WebhookSecurityConfig{
			HMACEnabled:          false,
			TimestampSkewSeconds: 300,
		},
		SLA: SLAConfig{
			ResponseMinutes: map[Severity]int{
				SeverityCritical: 15,
				SeverityHigh:     30,
				SeverityMedium:   60,
				SeverityLow:      120,
			},
			ResolveMinutes: map[Severity]int{
				SeverityCritical: 240,
				SeverityHigh:     480,
				SeverityMedium:   1440,
				SeverityLow:      2880,
			},
		},
	}
}

// Validate enforces the documented ranges. Call before persisting.
func (c *TenantConfig) Validate() error {
	if c.TenantID == "" {
		return E(KindValidation, "tenant_id is required")
	}
	rl := c.RateLimit
	if rl.RequestsPerMinute < 1 || rl.RequestsPerMinute > 1000 {
		return Ef(KindValidation, "requests_per_minute %d outside [1,1000]", rl.RequestsPerMinute)
	}
	if rl.BurstSize < rl.RequestsPerMinute {
		return Ef(KindValidation, "burst_size %d below requests_per_minute %d", rl.BurstSize, rl.RequestsPerMinute)
	}
	cr := c.Correlate
	if cr.TimeWindowSeconds < 300 || cr.TimeWindowSeconds > 900 {
		return Ef(KindValidation, "time_window_seconds %d outside [300,900]", cr.TimeWindowSeconds)
	}
	switch cr.AggregationKey {
	case KeyAssetSignature, KeyAssetSignatureTool, KeySignature, KeyAsset:
	default:
		return Ef(KindValidation, "unknown aggregation_key %q", cr.AggregationKey)
	}
	if c.Webhook.HMACEnabled && c.Webhook.Secret == "" {
		return E(KindValidation, "hmac_enabled requires a secret")
	}
	if c.Webhook.TimestampSkewSeconds <= 0 {
		return E(KindValidation, "timestamp_skew_seconds must be positive")
	}
	return nil
}

// ResponseDeadline computes the response SLA deadline for a severity.
func (c *TenantConfig) ResponseDeadline(sev Severity, from int64) int64 {
	m, ok := c.SLA.ResponseMinutes[sev]
	if !ok {
		m = 60
	}
	return from + int64(m)*60
}

// ResolveDeadline computes the resolve SLA deadline for a severity.
func (c *TenantConfig) ResolveDeadline(sev Severity, from int64) int64 {
	m, ok := c.SLA.ResolveMinutes[sev]
	if !ok {
		m = 1440
	}
	return from + int64(m)*60
}

func (c *TenantConfig) String() string {
	return fmt.Sprintf("TenantConfig{tenant=%s rpm=%d burst=%d window=%ds key=%s hmac=%t}",
		c.TenantID, c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize,
		c.Correlate.TimeWindowSeconds, c.Correlate.AggregationKey, c.Webhook.HMACEnabled)
}
