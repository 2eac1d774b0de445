package gateway

import (
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// ProviderSettings is the per-provider slice of configuration the factory
// needs: whether the provider may be used at all, its credentials and the
// secret used to verify its webhooks.
type ProviderSettings struct {
	Enabled       bool
	APIKey        string
	APISecret     string
	WebhookSecret string
	ProductRef    string
}

// Config is the explicit configuration threaded into the factory. Components
// receive it by construction instead of reading ambient globals, so every
// effective policy is testable.
type Config struct {
	Providers map[string]ProviderSettings
}

// LoadConfigFromEnv builds the gateway configuration from environment
// variables.
func LoadConfigFromEnv() Config {
	return Config{
		Providers: map[string]ProviderSettings{
			models.PaymentProviderStripe: {
				Enabled:       envBool("STRIPE_ENABLED", false),
				APIKey:        strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
				WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
				ProductRef:    strings.TrimSpace(env.GetEnv("STRIPE_PRODUCT_ID", "")),
			},
			models.PaymentProviderRazorpay: {
				Enabled:       envBool("RAZORPAY_ENABLED", false),
				APIKey:        strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_ID", "")),
				APISecret:     strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_SECRET", "")),
				WebhookSecret: strings.TrimSpace(env.GetEnv("RAZORPAY_WEBHOOK_SECRET", "")),
			},
			models.PaymentProviderSandbox: {
				Enabled:       envBool("SANDBOX_GATEWAY_ENABLED", false),
				WebhookSecret: strings.TrimSpace(env.GetEnv("SANDBOX_WEBHOOK_SECRET", "")),
			},
		},
	}
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(env.GetEnv(key, "")))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

// Factory selects an enabled adapter by provider identifier. It is the only
// place that knows which providers exist and which are switched on.
type Factory struct {
	cfg      Config
	adapters map[string]Gateway
}

// NewFactory wires one adapter per enabled provider.
func NewFactory(cfg Config) *Factory {
	f := &Factory{cfg: cfg, adapters: make(map[string]Gateway)}

	if s, ok := cfg.Providers[models.PaymentProviderStripe]; ok && s.Enabled {
		f.adapters[models.PaymentProviderStripe] = NewStripeGateway(s)
	}
	if s, ok := cfg.Providers[models.PaymentProviderRazorpay]; ok && s.Enabled {
		f.adapters[models.PaymentProviderRazorpay] = NewRazorpayGateway(s)
	}
	if s, ok := cfg.Providers[models.PaymentProviderSandbox]; ok && s.Enabled {
		f.adapters[models.PaymentProviderSandbox] = NewSandboxGateway()
	}

	return f
}

// Register adds or replaces an adapter under the given provider id. Tests
// use it to install spies; production wiring happens in NewFactory.
func (f *Factory) Register(provider string, gw Gateway) {
	f.adapters[strings.ToLower(strings.TrimSpace(provider))] = gw
}

// GetGateway returns the adapter for a provider that is both implemented and
// administratively enabled. Disabled providers fail fast without any
// network call.
func (f *Factory) GetGateway(provider string) (Gateway, error) {
	gw, ok := f.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	return gw, nil
}

// GetWebhookSecret returns the provider's webhook secret. The second return
// value is false when the provider is unknown, disabled or has no secret
// configured; the webhook entrypoint must then answer with a server-side
// configuration error, not attempt verification.
func (f *Factory) GetWebhookSecret(provider string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(provider))
	if _, ok := f.adapters[p]; !ok {
		return "", false
	}
	s, ok := f.cfg.Providers[p]
	if !ok || strings.TrimSpace(s.WebhookSecret) == "" {
		return "", false
	}
	return s.WebhookSecret, true
}

// EnabledProviders lists the providers the factory can hand out adapters for.
func (f *Factory) EnabledProviders() []string {
	providers := make([]string, 0, len(f.adapters))
	for p := range f.adapters {
		providers = append(providers, p)
	}
	return providers
}
