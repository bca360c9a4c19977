// Package config holds billing-specific settings.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/example/cinemax/internal/platform/config"
)

type Config struct {
	// StripeSecretKey authenticates API calls (sk_...).
	StripeSecretKey string
	// StripeWebhookSecret is the webhook signing secret (whsec_...).
	StripeWebhookSecret string
	// SiteURL is the storefront origin used for checkout redirects.
	SiteURL     string
	DatabaseURL string
	DBMaxConns  int
	NATSURL     string
	JWTSecret   string
	// PlaybackSigningSecret signs playback grants; empty disables grants.
	PlaybackSigningSecret string
	PlaybackGrantTTL      time.Duration
	// CheckoutRate and CheckoutBurst throttle checkout creation per user or IP.
	// A zero rate disables the limiter.
	CheckoutRate  float64
	CheckoutBurst int
	// EventOrderGuard rejects subscription events older than the last one applied.
	EventOrderGuard bool
}

func Load() (Config, error) {
	v := config.Env()
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("SITE_URL", "http://localhost:3000")
	v.SetDefault("PLAYBACK_GRANT_TTL", 6*time.Hour)
	v.SetDefault("BILLING_EVENT_ORDER_GUARD", true)
	v.SetDefault("CHECKOUT_RATE_PER_SEC", 0.2)
	v.SetDefault("CHECKOUT_BURST", 5)

	cfg := Config{
		StripeSecretKey:       strings.TrimSpace(v.GetString("STRIPE_SECRET_KEY")),
		StripeWebhookSecret:   strings.TrimSpace(v.GetString("STRIPE_WEBHOOK_SECRET")),
		SiteURL:               strings.TrimSpace(v.GetString("SITE_URL")),
		DatabaseURL:           strings.TrimSpace(v.GetString("DATABASE_URL")),
		DBMaxConns:            v.GetInt("DB_MAX_CONNS"),
		NATSURL:               strings.TrimSpace(v.GetString("NATS_URL")),
		JWTSecret:             strings.TrimSpace(v.GetString("JWT_SECRET")),
		PlaybackSigningSecret: strings.TrimSpace(v.GetString("PLAYBACK_SIGNING_SECRET")),
		PlaybackGrantTTL:      v.GetDuration("PLAYBACK_GRANT_TTL"),
		CheckoutRate:          v.GetFloat64("CHECKOUT_RATE_PER_SEC"),
		CheckoutBurst:         v.GetInt("CHECKOUT_BURST"),
		EventOrderGuard:       v.GetBool("BILLING_EVENT_ORDER_GUARD"),
	}

	if cfg.StripeSecretKey == "" {
		return Config{}, errors.New("STRIPE_SECRET_KEY is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return Config{}, errors.New("STRIPE_WEBHOOK_SECRET is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	return cfg, nil
}
