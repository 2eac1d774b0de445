package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// Normalized webhook event types. Each adapter maps its provider's native
// event taxonomy onto these; anything unmapped becomes EventTypeUnknown and
// is acknowledged but ignored.
const (
	EventTypeChargeSucceeded              = "charge.succeeded"
	EventTypeChargeFailed                 = "charge.failed"
	EventTypeChargeRefunded               = "charge.refunded"
	EventTypeSubscriptionPaymentSucceeded = "subscription.payment_succeeded"
	EventTypeSubscriptionPaymentFailed    = "subscription.payment_failed"
	EventTypeSubscriptionCancelled        = "subscription.cancelled"
	EventTypeUnknown                      = "unknown"
)

// WebhookEvent is the provider-neutral shape of an asynchronous notification.
// It is transient: never persisted as-is, it only drives ledger and
// subscription mutations.
type WebhookEvent struct {
	Provider               string
	EventID                string
	Type                   string
	ProviderEventType      string
	ProviderTransactionID  string
	ProviderSubscriptionID string
	MerchantID             string
	Amount                 decimal.Decimal
	Currency               string
	FailureReason          string
	Raw                    []byte
	ReceivedAt             time.Time
}

// IsSubscriptionEvent reports whether the event must be routed to the
// subscription handler rather than the one-time payment handler.
func (e *WebhookEvent) IsSubscriptionEvent() bool {
	switch e.Type {
	case EventTypeSubscriptionPaymentSucceeded, EventTypeSubscriptionPaymentFailed, EventTypeSubscriptionCancelled:
		return true
	}
	return e.ProviderSubscriptionID != ""
}
