package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// Config holds the engine's timing and pricing defaults
type Config struct {
	ConfirmInterval       time.Duration
	ConfirmTimeout        time.Duration
	GatewayTimeout        time.Duration
	DuplicateWindow       time.Duration
	DefaultPlatformFeeBps int64
	DefaultCurrency       string
	StaleSubmittedAfter   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfirmInterval:       time.Second,
		ConfirmTimeout:        60 * time.Second,
		GatewayTimeout:        20 * time.Second,
		DuplicateWindow:       5 * time.Minute,
		DefaultPlatformFeeBps: 1000,
		DefaultCurrency:       "USD",
		StaleSubmittedAfter:   30 * time.Minute,
	}
}

// LoadConfig reads PAYMENT_* and related settings, keeping defaults for
// anything missing or malformed.
func LoadConfig() Config {
	def := DefaultConfig()
	cfg := Config{
		ConfirmInterval:       env.GetEnvDuration("PAYMENT_CONFIRM_INTERVAL", def.ConfirmInterval),
		ConfirmTimeout:        env.GetEnvDuration("PAYMENT_CONFIRM_TIMEOUT", def.ConfirmTimeout),
		GatewayTimeout:        env.GetEnvDuration("GATEWAY_TIMEOUT", def.GatewayTimeout),
		DuplicateWindow:       env.GetEnvDuration("PAYMENT_DUPLICATE_WINDOW", def.DuplicateWindow),
		DefaultPlatformFeeBps: env.GetEnvInt64("DEFAULT_PLATFORM_FEE_BPS", def.DefaultPlatformFeeBps),
		DefaultCurrency:       strings.ToUpper(env.GetEnv("DEFAULT_CURRENCY", def.DefaultCurrency)),
		StaleSubmittedAfter:   env.GetEnvDuration("STALE_SUBMITTED_AFTER", def.StaleSubmittedAfter),
	}
	if cfg.DefaultPlatformFeeBps < 0 || cfg.DefaultPlatformFeeBps > 10000 {
		cfg.DefaultPlatformFeeBps = def.DefaultPlatformFeeBps
	}
	if len(cfg.DefaultCurrency) != 3 {
		cfg.DefaultCurrency = def.DefaultCurrency
	}
	return cfg
}
