package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/shopspring/decimal"
)

func testConfig(enabled map[string]bool) Config {
	return Config{
		Providers: map[string]ProviderSettings{
			models.PaymentProviderStripe: {
				Enabled:       enabled[models.PaymentProviderStripe],
				APIKey:        "sk_test_123",
				WebhookSecret: "whsec_stripe",
			},
			models.PaymentProviderRazorpay: {
				Enabled:       enabled[models.PaymentProviderRazorpay],
				APIKey:        "rzp_test_123",
				APISecret:     "rzp_secret",
				WebhookSecret: "whsec_razorpay",
			},
			models.PaymentProviderSandbox: {
				Enabled:       enabled[models.PaymentProviderSandbox],
				WebhookSecret: "whsec_sandbox",
			},
		},
	}
}

func TestFactoryUnknownProvider(t *testing.T) {
	f := NewFactory(testConfig(map[string]bool{models.PaymentProviderSandbox: true}))

	if _, err := f.GetGateway("paypal"); !errors.Is(err, ErrProviderNotSupported) {
		t.Fatalf("GetGateway(paypal) = %v, want ErrProviderNotSupported", err)
	}
}

func TestFactoryDisabledProviderMakesNoCalls(t *testing.T) {
	spy := NewSandboxGateway()
	f := NewFactory(testConfig(map[string]bool{}))
	f.Register("spyprovider", spy)

	// Razorpay is configured but disabled: selection must fail before any
	// adapter is touched.
	if _, err := f.GetGateway(models.PaymentProviderRazorpay); !errors.Is(err, ErrProviderNotSupported) {
		t.Fatalf("GetGateway(razorpay) = %v, want ErrProviderNotSupported", err)
	}
	if spy.TotalCalls() != 0 {
		t.Fatalf("expected zero adapter calls, got %d", spy.TotalCalls())
	}
}

func TestFactoryCaseInsensitiveLookup(t *testing.T) {
	f := NewFactory(testConfig(map[string]bool{models.PaymentProviderSandbox: true}))

	gw, err := f.GetGateway("  SandBox ")
	if err != nil {
		t.Fatalf("GetGateway: %v", err)
	}
	if gw.Name() != models.PaymentProviderSandbox {
		t.Fatalf("Name() = %q, want sandbox", gw.Name())
	}
}

func TestFactoryWebhookSecret(t *testing.T) {
	cfg := testConfig(map[string]bool{
		models.PaymentProviderSandbox:  true,
		models.PaymentProviderRazorpay: true,
	})
	f := NewFactory(cfg)

	secret, ok := f.GetWebhookSecret(models.PaymentProviderSandbox)
	if !ok || secret != "whsec_sandbox" {
		t.Fatalf("GetWebhookSecret(sandbox) = %q, %v", secret, ok)
	}
	// Stripe is disabled so its secret must not be handed out.
	if _, ok := f.GetWebhookSecret(models.PaymentProviderStripe); ok {
		t.Fatal("expected no secret for disabled provider")
	}
	if _, ok := f.GetWebhookSecret("paypal"); ok {
		t.Fatal("expected no secret for unknown provider")
	}
}

func TestSandboxChargeOutcomes(t *testing.T) {
	g := NewSandboxGateway()
	ctx := context.Background()
	amount := decimal.RequireFromString("19.99")

	res, err := g.ProcessPayment(ctx, ChargeRequest{
		MerchantID: "m-1", Amount: amount, Currency: "EUR", PaymentToken: "tok_visa",
	})
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if res.Status != models.PaymentStatusSuccessful || res.ProviderTransactionID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = g.ProcessPayment(ctx, ChargeRequest{
		MerchantID: "m-1", Amount: amount, Currency: "EUR", PaymentToken: SandboxTokenDeclined,
	})
	if err != nil {
		t.Fatalf("ProcessPayment declined: %v", err)
	}
	if res.Status != models.PaymentStatusFailed {
		t.Fatalf("declined token status = %q, want failed", res.Status)
	}

	_, err = g.ProcessPayment(ctx, ChargeRequest{
		MerchantID: "m-1", Amount: amount, Currency: "EUR", PaymentToken: SandboxTokenError,
	})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("error token produced %v, want *GatewayError", err)
	}
	if gwErr.Provider != models.PaymentProviderSandbox {
		t.Fatalf("GatewayError.Provider = %q", gwErr.Provider)
	}
}

func TestSandboxRecurringLifecycle(t *testing.T) {
	g := NewSandboxGateway()
	ctx := context.Background()

	res, err := g.CreateRecurringPayment(ctx, RecurringRequest{
		MerchantID:   "m-1",
		PlanID:       "plan-pro",
		Amount:       decimal.RequireFromString("30.00"),
		Currency:     "EUR",
		BillingCycle: models.BillingCycleMonthly,
		PaymentToken: "tok_visa",
	})
	if err != nil {
		t.Fatalf("CreateRecurringPayment: %v", err)
	}
	if res.Status != models.PaymentStatusSuccessful {
		t.Fatalf("mandate status = %q", res.Status)
	}
	if !res.PeriodEnd.After(res.PeriodStart) {
		t.Fatal("period end must be after period start")
	}

	details, err := g.GetRecurringPaymentDetails(ctx, res.ProviderSubscriptionID)
	if err != nil {
		t.Fatalf("GetRecurringPaymentDetails: %v", err)
	}
	if details.ProviderSubscriptionID != res.ProviderSubscriptionID {
		t.Fatalf("details id = %q, want %q", details.ProviderSubscriptionID, res.ProviderSubscriptionID)
	}

	if err := g.CancelRecurringPayment(ctx, res.ProviderSubscriptionID); err != nil {
		t.Fatalf("CancelRecurringPayment: %v", err)
	}
	if err := g.CancelRecurringPayment(ctx, "sbx_sub_unknown"); err == nil {
		t.Fatal("expected error for unknown subscription")
	}
}
