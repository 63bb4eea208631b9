package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/PixelVault/internal/pkg/env"
)

const day = 24 * time.Hour

// Config holds the billing settings. All durations are wall-clock.
type Config struct {
	Period             time.Duration `validate:"gt=0"`
	GracePeriod        time.Duration `validate:"gte=0"`
	MaxRenewalAttempts int           `validate:"gte=1"`
	PriceMinor         int64         `validate:"gt=0"`
	Currency           string        `validate:"len=3"`
	Description        string        `validate:"required"`

	RenewalInterval   time.Duration `validate:"gt=0"`
	ExpiryInterval    time.Duration `validate:"gt=0"`
	RenewalLeadTime   time.Duration `validate:"gte=0"`
	RenewalRetryDelay time.Duration `validate:"gte=0"`
	DispatchDelay     time.Duration `validate:"gte=0"`

	GatewayBaseURL   string        `validate:"required,url"`
	GatewaySecretKey string        `validate:"required"`
	WebhookSecret    string        `validate:"required"`
	GatewayTimeout   time.Duration `validate:"gt=0"`
	ReturnURL        string        `validate:"omitempty,url"`
	AccountURL       string        `validate:"omitempty,url"`
}

// DefaultConfig returns the settings used when no environment overrides exist.
func DefaultConfig() Config {
	return Config{
		Period:             30 * day,
		GracePeriod:        3 * day,
		MaxRenewalAttempts: 3,
		PriceMinor:         999,
		Currency:           "EUR",
		Description:        "PixelVault Premium (30 days)",
		RenewalInterval:    24 * time.Hour,
		ExpiryInterval:     3 * time.Hour,
		RenewalLeadTime:    0,
		RenewalRetryDelay:  20 * time.Hour,
		DispatchDelay:      500 * time.Millisecond,
		GatewayBaseURL:     "https://api.gateway.example/v1",
		GatewayTimeout:     15 * time.Second,
	}
}

// LoadConfig reads the billing settings from the environment.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	var err error

	if cfg.Period, err = envDays("BILLING_PERIOD_DAYS", cfg.Period); err != nil {
		return nil, err
	}
	if cfg.GracePeriod, err = envDays("BILLING_GRACE_DAYS", cfg.GracePeriod); err != nil {
		return nil, err
	}
	if cfg.MaxRenewalAttempts, err = env.GetEnvInt("BILLING_MAX_RENEWAL_ATTEMPTS", cfg.MaxRenewalAttempts); err != nil {
		return nil, err
	}
	price, err := env.GetEnvInt("BILLING_PRICE_MINOR", int(cfg.PriceMinor))
	if err != nil {
		return nil, err
	}
	cfg.PriceMinor = int64(price)
	cfg.Currency = strings.ToUpper(env.GetEnv("BILLING_CURRENCY", cfg.Currency))
	cfg.Description = env.GetEnv("BILLING_DESCRIPTION", cfg.Description)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BILLING_RENEWAL_INTERVAL", &cfg.RenewalInterval},
		{"BILLING_EXPIRY_INTERVAL", &cfg.ExpiryInterval},
		{"BILLING_RENEWAL_LEAD", &cfg.RenewalLeadTime},
		{"BILLING_RENEWAL_RETRY_DELAY", &cfg.RenewalRetryDelay},
		{"BILLING_DISPATCH_DELAY", &cfg.DispatchDelay},
		{"GATEWAY_TIMEOUT", &cfg.GatewayTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = env.GetEnvDuration(d.key, *d.dst); err != nil {
			return nil, err
		}
	}

	cfg.GatewayBaseURL = strings.TrimRight(env.GetEnv("GATEWAY_BASE_URL", cfg.GatewayBaseURL), "/")
	cfg.GatewaySecretKey = env.GetEnv("GATEWAY_SECRET_KEY", "")
	cfg.WebhookSecret = env.GetEnv("GATEWAY_WEBHOOK_SECRET", "")

	if domain := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/"); domain != "" {
		cfg.ReturnURL = domain + "/billing/checkout/complete"
		cfg.AccountURL = domain + "/user/billing"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid billing config: %w", err)
	}
	return nil
}

func envDays(key string, def time.Duration) (time.Duration, error) {
	n, err := env.GetEnvInt(key, int(def/day))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * day, nil
}
