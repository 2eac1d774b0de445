package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
)

const defaultRazorpayBaseURL = "https://api.razorpay.com/v1"

// RazorpayGateway adapts the common payment contract to the Razorpay REST
// API. Razorpay has no official Go SDK, so the adapter speaks HTTP directly
// with a bounded client timeout.
type RazorpayGateway struct {
	settings ProviderSettings
	baseURL  string
	client   *http.Client
}

// NewRazorpayGateway creates a Razorpay adapter from provider settings.
func NewRazorpayGateway(settings ProviderSettings) *RazorpayGateway {
	return &RazorpayGateway{
		settings: settings,
		baseURL:  defaultRazorpayBaseURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *RazorpayGateway) Name() string { return models.PaymentProviderRazorpay }

type razorpayPayment struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	OrderID        string            `json:"order_id"`
	ErrorCode      string            `json:"error_code"`
	ErrorDesc      string            `json:"error_description"`
	SubscriptionID string            `json:"subscription_id"`
	Notes          map[string]string `json:"notes"`
}

type razorpayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

type razorpayPlan struct {
	ID string `json:"id"`
}

type razorpaySubscription struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	Status       string `json:"status"`
	CurrentStart int64  `json:"current_start"`
	CurrentEnd   int64  `json:"current_end"`
	EndedAt      int64  `json:"ended_at"`
}

// ProcessPayment charges a saved token through the recurring payments API.
func (g *RazorpayGateway) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	body := map[string]interface{}{
		"amount":   minorUnits(req.Amount),
		"currency": strings.ToUpper(req.Currency),
		"token":    req.PaymentToken,
		"notes": map[string]string{
			"merchant_id": req.MerchantID,
			"order_id":    req.OrderID,
		},
	}
	var payment razorpayPayment
	raw, err := g.do(ctx, http.MethodPost, "/payments/create/recurring", body, &payment)
	if err != nil {
		return nil, err
	}

	message := payment.Status
	if payment.ErrorDesc != "" {
		message = payment.ErrorDesc
	}
	return &ChargeResult{
		ProviderTransactionID: payment.ID,
		Status:                razorpayPaymentStatus(payment.Status),
		Message:               message,
		RawResponse:           string(raw),
	}, nil
}

// RefundPayment refunds a captured payment, fully or partially.
func (g *RazorpayGateway) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	body := map[string]interface{}{}
	if !req.Amount.IsZero() {
		body["amount"] = minorUnits(req.Amount)
	}
	if req.Reason != "" {
		body["notes"] = map[string]string{"reason": req.Reason}
	}

	var refund razorpayRefund
	path := fmt.Sprintf("/payments/%s/refund", req.ProviderTransactionID)
	if _, err := g.do(ctx, http.MethodPost, path, body, &refund); err != nil {
		return nil, err
	}

	return &RefundResult{
		ProviderRefundID: refund.ID,
		Status:           razorpayRefundStatus(refund.Status),
		Message:          refund.Status,
	}, nil
}

// CreateRecurringPayment provisions a provider-side plan for the price point
// and subscribes the merchant's token to it.
func (g *RazorpayGateway) CreateRecurringPayment(ctx context.Context, req RecurringRequest) (*RecurringResult, error) {
	period, totalCount := razorpayPeriod(req.BillingCycle)
	planBody := map[string]interface{}{
		"period":   period,
		"interval": 1,
		"item": map[string]interface{}{
			"name":     req.PlanName,
			"amount":   minorUnits(req.Amount),
			"currency": strings.ToUpper(req.Currency),
		},
		"notes": map[string]string{"plan_id": req.PlanID},
	}
	var plan razorpayPlan
	if _, err := g.do(ctx, http.MethodPost, "/plans", planBody, &plan); err != nil {
		return nil, err
	}

	subBody := map[string]interface{}{
		"plan_id":         plan.ID,
		"total_count":     totalCount,
		"customer_notify": 0,
		"notes": map[string]string{
			"merchant_id": req.MerchantID,
			"plan_id":     req.PlanID,
		},
	}
	var sub razorpaySubscription
	if _, err := g.do(ctx, http.MethodPost, "/subscriptions", subBody, &sub); err != nil {
		return nil, err
	}

	snapshot, _ := json.Marshal(map[string]string{
		"plan_id":           req.PlanID,
		"plan_name":         req.PlanName,
		"provider_plan_ref": plan.ID,
		"amount":            req.Amount.StringFixed(2),
		"currency":          req.Currency,
		"billing_cycle":     req.BillingCycle,
	})
	return &RecurringResult{
		ProviderSubscriptionID: sub.ID,
		Status:                 razorpaySubscriptionStatus(sub.Status),
		PeriodStart:            time.Unix(sub.CurrentStart, 0).UTC(),
		PeriodEnd:              time.Unix(sub.CurrentEnd, 0).UTC(),
		PlanSnapshotJSON:       string(snapshot),
	}, nil
}

// GetRecurringPaymentDetails fetches the provider's current subscription view.
func (g *RazorpayGateway) GetRecurringPaymentDetails(ctx context.Context, providerSubscriptionID string) (*RecurringDetails, error) {
	var sub razorpaySubscription
	path := fmt.Sprintf("/subscriptions/%s", providerSubscriptionID)
	if _, err := g.do(ctx, http.MethodGet, path, nil, &sub); err != nil {
		return nil, err
	}

	return &RecurringDetails{
		ProviderSubscriptionID: sub.ID,
		Status:                 razorpaySubscriptionStatus(sub.Status),
		PeriodStart:            time.Unix(sub.CurrentStart, 0).UTC(),
		PeriodEnd:              time.Unix(sub.CurrentEnd, 0).UTC(),
	}, nil
}

// CancelRecurringPayment cancels the provider-side subscription immediately.
func (g *RazorpayGateway) CancelRecurringPayment(ctx context.Context, providerSubscriptionID string) error {
	path := fmt.Sprintf("/subscriptions/%s/cancel", providerSubscriptionID)
	body := map[string]interface{}{"cancel_at_cycle_end": 0}
	_, err := g.do(ctx, http.MethodPost, path, body, &razorpaySubscription{})
	return err
}

// VerifyWebhookSignature checks the X-Razorpay-Signature HMAC-SHA256.
// Signatures may arrive hex or base64 encoded depending on configuration, so
// both encodings are accepted.
func (g *RazorpayGateway) VerifyWebhookSignature(payload []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || strings.TrimSpace(secret) == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if hmac.Equal([]byte(hex.EncodeToString(expected)), []byte(sig)) {
		return true
	}
	if dec, err := base64.StdEncoding.DecodeString(sig); err == nil {
		return hmac.Equal(expected, dec)
	}
	return false
}

// ParseWebhookEvent maps Razorpay's event taxonomy onto the normalized shape.
func (g *RazorpayGateway) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var evt struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity razorpayPayment `json:"entity"`
			} `json:"payment"`
			Refund struct {
				Entity razorpayRefund `json:"entity"`
			} `json:"refund"`
			Subscription struct {
				Entity razorpaySubscription `json:"entity"`
			} `json:"subscription"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: "parse_webhook", Err: err}
	}

	payment := evt.Payload.Payment.Entity
	out := &WebhookEvent{
		Provider:               g.Name(),
		ProviderEventType:      evt.Event,
		ProviderTransactionID:  payment.ID,
		ProviderSubscriptionID: payment.SubscriptionID,
		Amount:                 minorToDecimal(payment.Amount),
		Currency:               strings.ToUpper(payment.Currency),
		Raw:                    payload,
		ReceivedAt:             time.Now(),
	}
	if sub := evt.Payload.Subscription.Entity; sub.ID != "" {
		out.ProviderSubscriptionID = sub.ID
	}
	out.MerchantID = payment.Notes["merchant_id"]

	switch evt.Event {
	case "payment.captured", "order.paid":
		if out.ProviderSubscriptionID != "" {
			out.Type = EventTypeSubscriptionPaymentSucceeded
		} else {
			out.Type = EventTypeChargeSucceeded
		}
	case "payment.failed":
		if out.ProviderSubscriptionID != "" {
			out.Type = EventTypeSubscriptionPaymentFailed
		} else {
			out.Type = EventTypeChargeFailed
		}
		out.FailureReason = payment.ErrorDesc
	case "refund.processed":
		out.Type = EventTypeChargeRefunded
		if refund := evt.Payload.Refund.Entity; refund.ID != "" {
			out.ProviderTransactionID = refund.PaymentID
			out.Amount = minorToDecimal(refund.Amount)
		}
	case "subscription.charged":
		out.Type = EventTypeSubscriptionPaymentSucceeded
	case "subscription.halted", "subscription.pending":
		out.Type = EventTypeSubscriptionPaymentFailed
		out.FailureReason = evt.Event
	case "subscription.cancelled", "subscription.completed":
		out.Type = EventTypeSubscriptionCancelled
	default:
		out.Type = EventTypeUnknown
	}

	// Razorpay does not send a dedicated event id header-independent field,
	// the payment/subscription entity id plus event name is stable across
	// redeliveries.
	out.EventID = evt.Event + ":" + firstNonEmpty(payment.ID, out.ProviderSubscriptionID)

	return out, nil
}

func (g *RazorpayGateway) do(ctx context.Context, method, path string, body interface{}, out interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &GatewayError{Provider: g.Name(), Op: path, Err: err}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.settings.APIKey, g.settings.APISecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GatewayError{Provider: g.Name(), Op: path,
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: path, Err: err}
	}
	return raw, nil
}

// Razorpay status vocabulary mapped onto the four-value payment status.
// Unknown statuses map to failed, never silently to success.
func razorpayPaymentStatus(status string) string {
	switch status {
	case "captured":
		return models.PaymentStatusSuccessful
	case "created", "authorized":
		return models.PaymentStatusPending
	case "refunded":
		return models.PaymentStatusRefunded
	default:
		return models.PaymentStatusFailed
	}
}

func razorpayRefundStatus(status string) string {
	switch status {
	case "processed":
		return models.PaymentStatusRefunded
	case "pending", "created":
		return models.PaymentStatusPending
	default:
		return models.PaymentStatusFailed
	}
}

func razorpaySubscriptionStatus(status string) string {
	switch status {
	case "active", "authenticated", "completed":
		return models.PaymentStatusSuccessful
	case "created", "pending":
		return models.PaymentStatusPending
	default:
		return models.PaymentStatusFailed
	}
}

func razorpayPeriod(billingCycle string) (string, int) {
	if billingCycle == models.BillingCycleAnnual {
		return "yearly", 10
	}
	return "monthly", 120
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
