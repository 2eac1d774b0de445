package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment tokens the sandbox recognizes for forcing outcomes. Any other
// token charges successfully.
const (
	SandboxTokenDeclined = "tok_sandbox_declined"
	SandboxTokenError    = "tok_sandbox_error"
)

// SandboxGateway is a deterministic in-memory adapter used in tests and
// local development. Outcomes are driven by the payment token, and every
// call is counted so tests can assert on (the absence of) provider traffic.
type SandboxGateway struct {
	mu            sync.Mutex
	calls         map[string]int
	subscriptions map[string]*RecurringDetails
}

// NewSandboxGateway creates a fresh sandbox adapter.
func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		calls:         make(map[string]int),
		subscriptions: make(map[string]*RecurringDetails),
	}
}

func (g *SandboxGateway) Name() string { return models.PaymentProviderSandbox }

// CallCount returns how often the named operation was invoked.
func (g *SandboxGateway) CallCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// TotalCalls returns the number of operations invoked across the adapter.
func (g *SandboxGateway) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

func (g *SandboxGateway) record(op string) {
	g.mu.Lock()
	g.calls[op]++
	g.mu.Unlock()
}

// ProcessPayment succeeds unless the token forces a decline or an error.
func (g *SandboxGateway) ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	g.record("process_payment")
	if err := ctx.Err(); err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: "process_payment", Err: err}
	}

	switch req.PaymentToken {
	case SandboxTokenError:
		return nil, &GatewayError{Provider: g.Name(), Op: "process_payment",
			Err: fmt.Errorf("simulated provider outage")}
	case SandboxTokenDeclined:
		raw, _ := json.Marshal(map[string]string{"decline_code": "card_declined"})
		return &ChargeResult{
			ProviderTransactionID: "sbx_txn_" + uuid.NewString(),
			Status:                models.PaymentStatusFailed,
			Message:               "card declined",
			RawResponse:           string(raw),
		}, nil
	}

	raw, _ := json.Marshal(map[string]string{
		"amount":   req.Amount.StringFixed(2),
		"currency": req.Currency,
	})
	return &ChargeResult{
		ProviderTransactionID: "sbx_txn_" + uuid.NewString(),
		Status:                models.PaymentStatusSuccessful,
		Message:               "approved",
		RawResponse:           string(raw),
	}, nil
}

// RefundPayment always succeeds against a known-looking transaction id.
func (g *SandboxGateway) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	g.record("refund_payment")
	if req.ProviderTransactionID == "" {
		return nil, &GatewayError{Provider: g.Name(), Op: "refund_payment",
			Err: fmt.Errorf("missing provider transaction id")}
	}
	return &RefundResult{
		ProviderRefundID: "sbx_rf_" + uuid.NewString(),
		Status:           models.PaymentStatusRefunded,
		Message:          "refunded",
	}, nil
}

// CreateRecurringPayment registers an in-memory subscription with a period
// derived from the billing cycle.
func (g *SandboxGateway) CreateRecurringPayment(ctx context.Context, req RecurringRequest) (*RecurringResult, error) {
	g.record("create_recurring_payment")
	if req.PaymentToken == SandboxTokenError {
		return nil, &GatewayError{Provider: g.Name(), Op: "create_recurring_payment",
			Err: fmt.Errorf("simulated provider outage")}
	}

	now := time.Now().UTC()
	periodEnd := now.AddDate(0, 1, 0)
	if req.BillingCycle == models.BillingCycleAnnual {
		periodEnd = now.AddDate(1, 0, 0)
	}

	id := "sbx_sub_" + uuid.NewString()
	details := &RecurringDetails{
		ProviderSubscriptionID: id,
		Status:                 models.PaymentStatusSuccessful,
		PeriodStart:            now,
		PeriodEnd:              periodEnd,
	}
	g.mu.Lock()
	g.subscriptions[id] = details
	g.mu.Unlock()

	snapshot, _ := json.Marshal(map[string]string{
		"plan_id":       req.PlanID,
		"plan_name":     req.PlanName,
		"amount":        req.Amount.StringFixed(2),
		"currency":      req.Currency,
		"billing_cycle": req.BillingCycle,
	})
	return &RecurringResult{
		ProviderSubscriptionID: id,
		Status:                 models.PaymentStatusSuccessful,
		PeriodStart:            now,
		PeriodEnd:              periodEnd,
		PlanSnapshotJSON:       string(snapshot),
	}, nil
}

// GetRecurringPaymentDetails returns the stored in-memory view.
func (g *SandboxGateway) GetRecurringPaymentDetails(ctx context.Context, providerSubscriptionID string) (*RecurringDetails, error) {
	g.record("get_recurring_details")
	g.mu.Lock()
	defer g.mu.Unlock()
	details, ok := g.subscriptions[providerSubscriptionID]
	if !ok {
		return nil, &GatewayError{Provider: g.Name(), Op: "get_recurring_details",
			Err: fmt.Errorf("unknown subscription %s", providerSubscriptionID)}
	}
	copied := *details
	return &copied, nil
}

// CancelRecurringPayment marks the in-memory subscription cancelled.
func (g *SandboxGateway) CancelRecurringPayment(ctx context.Context, providerSubscriptionID string) error {
	g.record("cancel_recurring_payment")
	g.mu.Lock()
	defer g.mu.Unlock()
	details, ok := g.subscriptions[providerSubscriptionID]
	if !ok {
		return &GatewayError{Provider: g.Name(), Op: "cancel_recurring_payment",
			Err: fmt.Errorf("unknown subscription %s", providerSubscriptionID)}
	}
	details.Status = models.PaymentStatusFailed
	details.CancelAtPeriodEnd = false
	return nil
}

// VerifyWebhookSignature uses plain HMAC-SHA256 hex, mirroring what the test
// harness signs with.
func (g *SandboxGateway) VerifyWebhookSignature(payload []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || strings.TrimSpace(secret) == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}

// ParseWebhookEvent reads the sandbox's own flat event format.
func (g *SandboxGateway) ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var evt struct {
		ID                     string `json:"id"`
		Type                   string `json:"type"`
		ProviderTransactionID  string `json:"provider_transaction_id"`
		ProviderSubscriptionID string `json:"provider_subscription_id"`
		MerchantID             string `json:"merchant_id"`
		Amount                 string `json:"amount"`
		Currency               string `json:"currency"`
		Reason                 string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, &GatewayError{Provider: g.Name(), Op: "parse_webhook", Err: err}
	}

	out := &WebhookEvent{
		Provider:               g.Name(),
		EventID:                evt.ID,
		ProviderEventType:      evt.Type,
		ProviderTransactionID:  evt.ProviderTransactionID,
		ProviderSubscriptionID: evt.ProviderSubscriptionID,
		MerchantID:             evt.MerchantID,
		Currency:               strings.ToUpper(evt.Currency),
		FailureReason:          evt.Reason,
		Raw:                    payload,
		ReceivedAt:             time.Now(),
	}
	if evt.Amount != "" {
		if amount, err := decimal.NewFromString(evt.Amount); err == nil {
			out.Amount = amount
		}
	}

	switch evt.Type {
	case EventTypeChargeSucceeded, EventTypeChargeFailed, EventTypeChargeRefunded,
		EventTypeSubscriptionPaymentSucceeded, EventTypeSubscriptionPaymentFailed,
		EventTypeSubscriptionCancelled:
		out.Type = evt.Type
	default:
		out.Type = EventTypeUnknown
	}
	return out, nil
}
