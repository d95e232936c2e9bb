package stripe

import (
	"context"
	"testing"

	"github.com/angelmondragon/settlement-ledger/pkg/config"
)

func TestNormalizeEnv(t *testing.T) {
	if env, err := normalizeEnv(""); err != nil || env != testEnv {
		t.Fatalf("empty env should default to test, got %q %v", env, err)
	}
	if env, err := normalizeEnv(" LIVE "); err != nil || env != liveEnv {
		t.Fatalf("expected live, got %q %v", env, err)
	}
	if _, err := normalizeEnv("staging"); err == nil {
		t.Fatalf("expected error for unknown env")
	}
}

func TestValidateAPIKeyMatchesEnv(t *testing.T) {
	if err := validateAPIKey(testEnv, "sk_test_123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := validateAPIKey(testEnv, "sk_live_123"); err == nil {
		t.Fatalf("live key must be rejected in test env")
	}
	if err := validateAPIKey(liveEnv, "rk_live_123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewClientRequiresSecrets(t *testing.T) {
	_, err := NewClient(context.Background(), config.ProviderConfig{StripeEnv: "test"}, nil)
	if err != errAPIKeyRequired {
		t.Fatalf("expected api key error, got %v", err)
	}
	_, err = NewClient(context.Background(), config.ProviderConfig{StripeEnv: "test", StripeSecretKey: "sk_test_1"}, nil)
	if err != errSecretRequired {
		t.Fatalf("expected secret error, got %v", err)
	}
	c, err := NewClient(context.Background(), config.ProviderConfig{
		StripeEnv:           "test",
		StripeSecretKey:     "sk_test_1",
		StripeWebhookSecret: "whsec_1",
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Environment() != testEnv || c.SigningSecret() != "whsec_1" {
		t.Fatalf("unexpected client %+v", c)
	}
}

func TestMaskKeyHidesSecret(t *testing.T) {
	if got := maskKey("sk_test_51Habcdefghijkl9XyZ"); got != "sk_test_…9XyZ" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := maskKey("short"); got != "****" {
		t.Fatalf("short keys must be fully masked, got %q", got)
	}
}
