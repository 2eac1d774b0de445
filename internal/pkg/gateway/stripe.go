package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const stripeCallTimeout = 15 * time.Second

// StripeGateway adapts the common payment contract to the Stripe API via the
// official stripe-go client.
type StripeGateway struct {
	settings ProviderSettings
	client   *client.API
}

// NewStripeGateway creates a Stripe adapter from provider settings.
func NewStripeGateway(settings ProviderSettings) *StripeGateway {
	sc := &client.API{}
	sc.Init(settings.APIKey, nil)
	return &StripeGateway{settings: settings, client: sc}
}

func (g *StripeGateway) Name() string { return models.PaymentProviderStripe }

// ProcessPayment confirms an off-session PaymentIntent against the vaulted
// payment method.
func (g *StripeGateway) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, stripeCallTimeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentToken),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.AddMetadata("merchant_id", req.MerchantID)
	if req.OrderID != "" {
		params.AddMetadata("order_id", req.OrderID)
	}

	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: "process_payment", Err: err}
	}

	raw, _ := json.Marshal(pi)
	return &ChargeResult{
		ProviderTransactionID: pi.ID,
		Status:                stripePaymentIntentStatus(string(pi.Status)),
		Message:               string(pi.Status),
		RawResponse:           string(raw),
	}, nil
}

// RefundPayment refunds a prior PaymentIntent, fully or partially.
func (g *StripeGateway) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, cancel := context.WithTimeout(ctx, stripeCallTimeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProviderTransactionID),
	}
	params.Context = ctx
	if !req.Amount.IsZero() {
		params.Amount = stripe.Int64(minorUnits(req.Amount))
	}

	ref, err := g.client.Refunds.New(params)
	if err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: "refund_payment", Err: err}
	}

	return &RefundResult{
		ProviderRefundID: ref.ID,
		Status:           stripeRefundStatus(string(ref.Status)),
		Message:          string(ref.Status),
	}, nil
}

// CreateRecurringPayment creates a customer around the payment method and
// subscribes it to an inline price on the configured product.
func (g *StripeGateway) CreateRecurringPayment(ctx context.Context, req RecurringRequest) (*RecurringResult, error) {
	ctx, cancel := context.WithTimeout(ctx, stripeCallTimeout)
	defer cancel()

	custParams := &stripe.CustomerParams{
		PaymentMethod: stripe.String(req.PaymentToken),
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(req.PaymentToken),
		},
	}
	custParams.Context = ctx
	if req.ContactEmail != "" {
		custParams.Email = stripe.String(req.ContactEmail)
	}
	custParams.AddMetadata("merchant_id", req.MerchantID)

	cust, err := g.client.Customers.New(custParams)
	if err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: "create_recurring_customer", Err: err}
	}

	subParams := &stripe.SubscriptionParams{
		Customer: stripe.String(cust.ID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				PriceData: &stripe.SubscriptionItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					Product:    stripe.String(g.settings.ProductRef),
					UnitAmount: stripe.Int64(minorUnits(req.Amount)),
					Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
						Interval: stripe.String(stripeInterval(req.BillingCycle)),
					},
				},
			},
		},
		PaymentBehavior: stripe.String("allow_incomplete"),
	}
	subParams.Context = ctx
	subParams.AddMetadata("merchant_id", req.MerchantID)
	subParams.AddMetadata("plan_id", req.PlanID)

	sub, err := g.client.Subscriptions.New(subParams)
	if err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: "create_recurring_payment", Err: err}
	}

	snapshot, _ := json.Marshal(map[string]string{
		"plan_id":       req.PlanID,
		"plan_name":     req.PlanName,
		"amount":        req.Amount.StringFixed(2),
		"currency":      req.Currency,
		"billing_cycle": req.BillingCycle,
	})
	return &RecurringResult{
		ProviderSubscriptionID: sub.ID,
		Status:                 stripeSubscriptionStatus(string(sub.Status)),
		PeriodStart:            time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:              time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		PlanSnapshotJSON:       string(snapshot),
	}, nil
}

// GetRecurringPaymentDetails fetches the provider's current subscription view.
func (g *StripeGateway) GetRecurringPaymentDetails(ctx context.Context, providerSubscriptionID string) (*RecurringDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, stripeCallTimeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.client.Subscriptions.Get(providerSubscriptionID, params)
	if err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: "get_recurring_details", Err: err}
	}

	return &RecurringDetails{
		ProviderSubscriptionID: sub.ID,
		Status:                 stripeSubscriptionStatus(string(sub.Status)),
		PeriodStart:            time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:              time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}, nil
}

// CancelRecurringPayment cancels the provider-side subscription.
func (g *StripeGateway) CancelRecurringPayment(ctx context.Context, providerSubscriptionID string) error {
	ctx, cancel := context.WithTimeout(ctx, stripeCallTimeout)
	defer cancel()

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := g.client.Subscriptions.Cancel(providerSubscriptionID, params); err != nil {
		return &GatewayError{Provider: g.Name(), Op: "cancel_recurring_payment", Err: err}
	}
	return nil
}

// VerifyWebhookSignature checks the Stripe-Signature header against the
// endpoint secret.
func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signatureHeader, secret string) bool {
	if strings.TrimSpace(signatureHeader) == "" || strings.TrimSpace(secret) == "" {
		return false
	}
	_, err := webhook.ConstructEvent(payload, signatureHeader, secret)
	return err == nil
}

// ParseWebhookEvent maps Stripe's event taxonomy onto the normalized shape.
func (g *StripeGateway) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: "parse_webhook", Err: err}
	}

	obj := ev.Data.Object
	out := &WebhookEvent{
		Provider:          g.Name(),
		EventID:           ev.ID,
		ProviderEventType: string(ev.Type),
		Raw:               payload,
		ReceivedAt:        time.Now(),
	}
	if md, ok := obj["metadata"].(map[string]interface{}); ok {
		out.MerchantID = objString(md, "merchant_id")
	}

	switch string(ev.Type) {
	case "payment_intent.succeeded":
		out.Type = EventTypeChargeSucceeded
		out.ProviderTransactionID = objString(obj, "id")
		out.Amount = minorToDecimal(objInt(obj, "amount"))
		out.Currency = strings.ToUpper(objString(obj, "currency"))
	case "payment_intent.payment_failed":
		out.Type = EventTypeChargeFailed
		out.ProviderTransactionID = objString(obj, "id")
		out.Amount = minorToDecimal(objInt(obj, "amount"))
		out.Currency = strings.ToUpper(objString(obj, "currency"))
		if lpe, ok := obj["last_payment_error"].(map[string]interface{}); ok {
			out.FailureReason = objString(lpe, "message")
		}
	case "charge.refunded":
		out.Type = EventTypeChargeRefunded
		out.ProviderTransactionID = objString(obj, "payment_intent")
		if out.ProviderTransactionID == "" {
			out.ProviderTransactionID = objString(obj, "id")
		}
		out.Amount = minorToDecimal(objInt(obj, "amount_refunded"))
		out.Currency = strings.ToUpper(objString(obj, "currency"))
	case "invoice.payment_succeeded", "invoice.paid":
		out.Type = EventTypeSubscriptionPaymentSucceeded
		out.ProviderSubscriptionID = objString(obj, "subscription")
		out.ProviderTransactionID = objString(obj, "payment_intent")
		if out.ProviderTransactionID == "" {
			out.ProviderTransactionID = objString(obj, "charge")
		}
		out.Amount = minorToDecimal(objInt(obj, "amount_paid"))
		out.Currency = strings.ToUpper(objString(obj, "currency"))
	case "invoice.payment_failed":
		out.Type = EventTypeSubscriptionPaymentFailed
		out.ProviderSubscriptionID = objString(obj, "subscription")
		out.ProviderTransactionID = objString(obj, "payment_intent")
		out.Amount = minorToDecimal(objInt(obj, "amount_due"))
		out.Currency = strings.ToUpper(objString(obj, "currency"))
		out.FailureReason = objString(obj, "billing_reason")
	case "customer.subscription.deleted":
		out.Type = EventTypeSubscriptionCancelled
		out.ProviderSubscriptionID = objString(obj, "id")
	default:
		out.Type = EventTypeUnknown
	}

	return out, nil
}

// Stripe status vocabularies mapped onto the four-value payment status.
// Anything unknown maps to failed, never silently to success.
func stripePaymentIntentStatus(status string) string {
	switch status {
	case "succeeded":
		return models.PaymentStatusSuccessful
	case "processing", "requires_action", "requires_confirmation", "requires_capture":
		return models.PaymentStatusPending
	default:
		return models.PaymentStatusFailed
	}
}

func stripeRefundStatus(status string) string {
	switch status {
	case "succeeded":
		return models.PaymentStatusRefunded
	case "pending":
		return models.PaymentStatusPending
	default:
		return models.PaymentStatusFailed
	}
}

func stripeSubscriptionStatus(status string) string {
	switch status {
	case "active", "trialing":
		return models.PaymentStatusSuccessful
	case "incomplete", "past_due":
		return models.PaymentStatusPending
	default:
		return models.PaymentStatusFailed
	}
}

func stripeInterval(billingCycle string) string {
	if billingCycle == models.BillingCycleAnnual {
		return "year"
	}
	return "month"
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func minorToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

func objString(obj map[string]interface{}, key string) string {
	v, _ := obj[key].(string)
	return v
}

func objInt(obj map[string]interface{}, key string) int64 {
	switch v := obj[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}
