package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setGatewayEnv(t *testing.T) {
	t.Setenv("GATEWAY_BASE_URL", "https://api.pay.example/v1/")
	t.Setenv("GATEWAY_SECRET_KEY", "sk")
	t.Setenv("GATEWAY_WEBHOOK_SECRET", "whsec")
}

func TestLoadConfigDefaults(t *testing.T) {
	setGatewayEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, cfg.Period)
	assert.Equal(t, 3*24*time.Hour, cfg.GracePeriod)
	assert.Equal(t, 3, cfg.MaxRenewalAttempts)
	assert.Equal(t, int64(999), cfg.PriceMinor)
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, 24*time.Hour, cfg.RenewalInterval)
	assert.Equal(t, 3*time.Hour, cfg.ExpiryInterval)
	assert.Equal(t, 20*time.Hour, cfg.RenewalRetryDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.DispatchDelay)
	assert.Equal(t, 15*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, "https://api.pay.example/v1", cfg.GatewayBaseURL)
}

func TestLoadConfigOverrides(t *testing.T) {
	setGatewayEnv(t)
	t.Setenv("BILLING_PERIOD_DAYS", "365")
	t.Setenv("BILLING_GRACE_DAYS", "7")
	t.Setenv("BILLING_MAX_RENEWAL_ATTEMPTS", "5")
	t.Setenv("BILLING_CURRENCY", "usd")
	t.Setenv("BILLING_RENEWAL_LEAD", "48h")
	t.Setenv("PUBLIC_DOMAIN", "https://pixelvault.example/")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 365*24*time.Hour, cfg.Period)
	assert.Equal(t, 7*24*time.Hour, cfg.GracePeriod)
	assert.Equal(t, 5, cfg.MaxRenewalAttempts)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, 48*time.Hour, cfg.RenewalLeadTime)
	assert.Equal(t, "https://pixelvault.example/billing/checkout/complete", cfg.ReturnURL)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"BILLING_PERIOD_DAYS", "thirty"},
		{"BILLING_PERIOD_DAYS", "0"},
		{"BILLING_MAX_RENEWAL_ATTEMPTS", "0"},
		{"BILLING_CURRENCY", "EURO"},
		{"BILLING_RENEWAL_INTERVAL", "daily"},
		{"GATEWAY_BASE_URL", "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setGatewayEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("GATEWAY_SECRET_KEY", "")
	t.Setenv("GATEWAY_WEBHOOK_SECRET", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}
