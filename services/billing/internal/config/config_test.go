package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_1")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("JWT_SECRET", "jwt")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.EventOrderGuard {
		t.Fatal("expected ordering guard on by default")
	}
	if cfg.SiteURL != "http://localhost:3000" {
		t.Fatalf("unexpected site url %q", cfg.SiteURL)
	}
	if cfg.PlaybackGrantTTL != 6*time.Hour {
		t.Fatalf("unexpected grant ttl %s", cfg.PlaybackGrantTTL)
	}
}

func TestLoad_GuardCanBeDisabled(t *testing.T) {
	setRequired(t)
	t.Setenv("BILLING_EVENT_ORDER_GUARD", "false")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EventOrderGuard {
		t.Fatal("expected ordering guard off")
	}
}

func TestLoad_RequiresStripeSecrets(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("JWT_SECRET", "jwt")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without STRIPE_SECRET_KEY")
	}

	t.Setenv("STRIPE_SECRET_KEY", "sk_test_1")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without STRIPE_WEBHOOK_SECRET")
	}
}
