package notifications

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/PayFox/internal/pkg/mail"
	"github.com/ManuelReschke/PayFox/internal/pkg/subscription"
	"github.com/gofiber/fiber/v2/log"
)

// Sink receives the state-change events the subscription state machine
// emits. Delivery is an external collaborator; the engine only hands events
// over.
type Sink interface {
	Publish(ctx context.Context, event subscription.Event) error
}

// PublishAll delivers a batch of events, logging failed deliveries instead
// of aborting the batch. Event delivery is best-effort by contract; the
// persisted subscription state is the source of truth.
func PublishAll(ctx context.Context, sink Sink, events []subscription.Event) {
	if sink == nil {
		return
	}
	for _, event := range events {
		if err := sink.Publish(ctx, event); err != nil {
			log.Warnf("[Notifications] publish %s for subscription %s failed: %v",
				event.Type, event.SubscriptionID, err)
		}
	}
}

// LogSink writes events to the application log. It is the default sink when
// no external delivery mechanism is wired up.
type LogSink struct{}

// Publish logs the event.
func (LogSink) Publish(ctx context.Context, event subscription.Event) error {
	_ = ctx
	log.Infof("[Notifications] %s subscription=%s merchant=%s %s->%s reason=%q",
		event.Type, event.SubscriptionID, event.MerchantID, event.OldStatus, event.NewStatus, event.Reason)
	return nil
}

// NotifyCustomerPaymentFailed emails the merchant contact about a failed
// recurring charge during a dunning campaign.
func NotifyCustomerPaymentFailed(email string, attempt int, reason string) {
	if email == "" {
		return
	}
	subject := "Payment failed - action required"
	body := fmt.Sprintf(
		"<p>We could not collect your subscription payment (attempt %d).</p>"+
			"<p>Reason: %s</p>"+
			"<p>Please update your payment method to keep your subscription active.</p>",
		attempt, reason)
	if err := mail.SendMail(email, subject, body); err != nil {
		log.Warnf("[Notifications] payment failed mail to %s not sent: %v", email, err)
	}
}

// NotifyCustomerFinalAction emails the merchant contact that the dunning
// campaign gave up.
func NotifyCustomerFinalAction(email, action string) {
	if email == "" {
		return
	}
	subject := "Subscription payment could not be collected"
	body := fmt.Sprintf(
		"<p>After several attempts we could not collect your subscription payment.</p>"+
			"<p>Your subscription has been %s.</p>", action)
	if err := mail.SendMail(email, subject, body); err != nil {
		log.Warnf("[Notifications] final action mail to %s not sent: %v", email, err)
	}
}
