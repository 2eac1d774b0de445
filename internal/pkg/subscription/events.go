package subscription

import "time"

// Named state-change events emitted by the state machine. Delivery to the
// notification sink happens in a separate step so the machine stays free of
// transport coupling.
const (
	EventSubscriptionCreated    = "subscription.created"
	EventSubscriptionActivated  = "subscription.activated"
	EventSubscriptionPastDue    = "subscription.past_due"
	EventSubscriptionSuspended  = "subscription.suspended"
	EventSubscriptionCancelled  = "subscription.cancelled"
	EventSubscriptionTerminated = "subscription.terminated"
	EventSubscriptionRenewed    = "subscription.renewed"
	EventPlanChanged            = "subscription.plan_changed"
	EventPaymentSucceeded       = "subscription.payment_succeeded"
	EventPaymentFailed          = "subscription.payment_failed"
)

// Event is one emitted state-change notification.
type Event struct {
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscription_id"`
	MerchantID     string    `json:"merchant_id"`
	OldStatus      string    `json:"old_status"`
	NewStatus      string    `json:"new_status"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
