package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrProviderNotSupported is returned by the factory for providers that are
// unknown or administratively disabled.
var ErrProviderNotSupported = errors.New("payment provider not supported")

// ErrNotConfigured is returned when a provider is enabled but required
// credentials or secrets are missing. This must never degrade to a silent
// insecure fallback.
var ErrNotConfigured = errors.New("payment provider not configured")

// GatewayError wraps a provider integration failure (timeout, 5xx, malformed
// response). Callers log the ledger entry as failed and do not retry in the
// foreground path; recurring retries belong to the dunning engine.
type GatewayError struct {
	Provider string
	Op       string
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// ChargeRequest is an immediate charge against a tokenized payment method.
// Field-level validation happens upstream; adapters still assume amount > 0
// and a provider-recognized vault token.
type ChargeRequest struct {
	MerchantID   string
	OrderID      string
	Amount       decimal.Decimal
	Currency     string
	PaymentToken string
	Description  string
}

// ChargeResult carries the provider's answer mapped onto the four-value
// payment status vocabulary.
type ChargeResult struct {
	ProviderTransactionID string
	Status                string
	Message               string
	RawResponse           string
}

// RefundRequest is a full or partial refund against a prior provider
// transaction.
type RefundRequest struct {
	ProviderTransactionID string
	Amount                decimal.Decimal
	Currency              string
	Reason                string
}

// RefundResult is the provider's refund outcome.
type RefundResult struct {
	ProviderRefundID string
	Status           string
	Message          string
}

// RecurringRequest establishes a provider-side recurring mandate.
type RecurringRequest struct {
	MerchantID   string
	PlanID       string
	PlanName     string
	Amount       decimal.Decimal
	Currency     string
	BillingCycle string
	PaymentToken string
	ContactEmail string
}

// RecurringResult is the provider's view of a freshly created subscription.
type RecurringResult struct {
	ProviderSubscriptionID string
	Status                 string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	PlanSnapshotJSON       string
}

// RecurringDetails is the provider's current view of an existing subscription.
type RecurringDetails struct {
	ProviderSubscriptionID string
	Status                 string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	CancelAtPeriodEnd      bool
}

// Gateway is the provider-agnostic payment contract, implemented once per
// external provider. Network methods are blocking round-trips; each adapter
// owns its provider-appropriate timeout and never leaves a call unbounded.
type Gateway interface {
	Name() string
	ProcessPayment(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CreateRecurringPayment(ctx context.Context, req RecurringRequest) (*RecurringResult, error)
	GetRecurringPaymentDetails(ctx context.Context, providerSubscriptionID string) (*RecurringDetails, error)
	CancelRecurringPayment(ctx context.Context, providerSubscriptionID string) error
	// VerifyWebhookSignature must return false, never an error, on any
	// mismatch or malformed input so callers always get a definite
	// accept/reject decision.
	VerifyWebhookSignature(payload []byte, signatureHeader, secret string) bool
	// ParseWebhookEvent is a pure transformation, called only after the
	// signature check succeeded.
	ParseWebhookEvent(payload []byte) (*WebhookEvent, error)
}
