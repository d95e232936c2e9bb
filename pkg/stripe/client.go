// Package stripe owns the Stripe credentials and the transfer calls used to
// pay connected accounts.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/transfer"

	"github.com/angelmondragon/settlement-ledger/pkg/config"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// keyPrefixes lists the secret and restricted key prefixes accepted per env.
var keyPrefixes = map[string][]string{
	testEnv: {"sk_test_", "rk_test_"},
	liveEnv: {"sk_live_", "rk_live_"},
}

// Client is bound to one API key; it never touches the package-level
// stripe.Key so several clients can coexist in tests.
type Client struct {
	transfers     *transfer.Client
	environment   string
	signingSecret string
}

func NewClient(ctx context.Context, cfg config.ProviderConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.StripeEnv)
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(cfg.StripeSecretKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	signingSecret := strings.TrimSpace(cfg.StripeWebhookSecret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}
	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"stripe_env": env,
			"stripe_key": maskKey(apiKey),
		}), "stripe client initialized")
	}

	return &Client{
		transfers:     &transfer.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey},
		environment:   env,
		signingSecret: signingSecret,
	}, nil
}

func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the Connect webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

func (c *Client) Create(ctx context.Context, params *stripe.TransferParams) (*stripe.Transfer, error) {
	params.Context = ctx
	return c.transfers.New(params)
}

func (c *Client) Get(ctx context.Context, id string) (*stripe.Transfer, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx
	return c.transfers.Get(id, params)
}

// FindByGroup returns the first transfer tagged with group, or nil when the
// provider has none. Payout ids are used as groups, so at most one exists.
func (c *Client) FindByGroup(ctx context.Context, group string) (*stripe.Transfer, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(group)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	iter := c.transfers.List(params)
	if iter.Next() {
		return iter.Transfer(), nil
	}
	return nil, iter.Err()
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		return testEnv, nil
	}
	if _, ok := keyPrefixes[env]; !ok {
		return "", errInvalidStripeEnv
	}
	return env, nil
}

func validateAPIKey(env, key string) error {
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return errInvalidStripeEnv
	}
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return nil
		}
	}
	return fmt.Errorf("stripe environment %q requires one of %s keys", env, strings.Join(prefixes, "/"))
}

func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "…" + key[len(key)-4:]
}
