package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayFox/internal/pkg/notifications"
	"github.com/ManuelReschke/PayFox/internal/pkg/subscription"
	"github.com/gofiber/fiber/v2/log"
)

// ErrWebhookSecretMissing means the provider is routable but has no webhook
// secret configured. The transport layer maps this to 500 so the provider
// retries after the operator fixes the config.
var ErrWebhookSecretMissing = errors.New("webhook secret not configured")

// ErrWebhookSignatureInvalid means the payload failed verification and must
// be rejected with 401 without being processed or stored as valid.
var ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")

// WebhookReceipt is the fast-ack result handed back to the controller.
type WebhookReceipt struct {
	ReceiptID uint
	EventID   string
	EventType string
	Duplicate bool
}

// HandleWebhook is the synchronous half of webhook intake: verify the
// signature on the raw bytes, parse, persist the receipt for dedup and hand
// the rest to the queue. Everything after the receipt row exists is safe to
// do later or again.
func (s *Service) HandleWebhook(ctx context.Context, provider string, payload []byte, signatureHeader string) (*WebhookReceipt, error) {
	gw, err := s.gateways.GetGateway(provider)
	if err != nil {
		return nil, err
	}

	secret, ok := s.gateways.GetWebhookSecret(provider)
	if !ok || secret == "" {
		return nil, fmt.Errorf("%w: provider %s", ErrWebhookSecretMissing, provider)
	}

	if !gw.VerifyWebhookSignature(payload, signatureHeader, secret) {
		return nil, fmt.Errorf("%w: provider %s", ErrWebhookSignatureInvalid, provider)
	}

	event, err := gw.ParseWebhookEvent(payload)
	if err != nil {
		return nil, fmt.Errorf("parse %s webhook: %w", provider, err)
	}
	_ = counter.AddWebhookReceived(provider)

	created, receipt, err := s.webhooks.CreateIfNotExists(&models.ProcessedWebhook{
		Provider:        provider,
		ProviderEventID: event.EventID,
		EventType:       event.ProviderEventType,
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		log.Infof("[Webhook] duplicate delivery %s/%s, acking without processing", provider, event.EventID)
		return &WebhookReceipt{ReceiptID: receipt.ID, EventID: event.EventID, EventType: event.ProviderEventType, Duplicate: true}, nil
	}

	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueWebhookProcessing(ctx, receipt.ID, event); err == nil {
			return &WebhookReceipt{ReceiptID: receipt.ID, EventID: event.EventID, EventType: event.ProviderEventType}, nil
		}
		// fall back to inline processing rather than dropping the event
		log.Warnf("[Webhook] enqueue failed for %s/%s, processing inline", provider, event.EventID)
	}

	if err := s.ProcessWebhookEvent(ctx, receipt.ID, event); err != nil {
		log.Errorf("[Webhook] processing %s/%s failed: %v", provider, event.EventID, err)
	}
	return &WebhookReceipt{ReceiptID: receipt.ID, EventID: event.EventID, EventType: event.ProviderEventType}, nil
}

// ProcessWebhookEvent reconciles one verified, deduplicated provider event
// against the ledger and the subscription state machine. Runs on the queue
// worker (or inline when no queue is wired); errors are recorded on the
// receipt so a stuck event is visible.
func (s *Service) ProcessWebhookEvent(ctx context.Context, receiptID uint, event *gateway.WebhookEvent) error {
	var procErr error
	if event.IsSubscriptionEvent() {
		procErr = s.processSubscriptionEvent(ctx, event)
	} else {
		procErr = s.processChargeEvent(ctx, event)
	}

	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}
	if err := s.webhooks.MarkProcessed(receiptID, errMsg); err != nil {
		log.Errorf("[Webhook] mark receipt %d processed failed: %v", receiptID, err)
	}
	return procErr
}

// processChargeEvent reconciles one-time charge outcomes. The ledger row is
// matched by provider transaction id. An event for a transaction the
// platform never created is an orphan; only a successful charge with a
// resolvable merchant id is backfilled.
func (s *Service) processChargeEvent(ctx context.Context, event *gateway.WebhookEvent) error {
	if event.ProviderTransactionID == "" {
		log.Warnf("[Webhook] %s event %s carries no transaction id, skipping", event.Provider, event.EventID)
		return nil
	}

	entry, err := s.ledger.FindByProviderTransactionID(ctx, event.Provider, event.ProviderTransactionID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	status := ""
	switch event.Type {
	case gateway.EventTypeChargeSucceeded:
		status = models.PaymentStatusSuccessful
	case gateway.EventTypeChargeFailed:
		status = models.PaymentStatusFailed
	case gateway.EventTypeChargeRefunded:
		status = models.PaymentStatusRefunded
	default:
		log.Infof("[Webhook] ignoring %s event type %s", event.Provider, event.ProviderEventType)
		return nil
	}

	if entry == nil {
		// Orphan event. A successful charge with a resolvable merchant is
		// backfilled for audit completeness; anything else creates nothing.
		if status != models.PaymentStatusSuccessful || event.MerchantID == "" {
			log.Warnf("[Webhook] orphan %s event %s for unknown transaction %s, no ledger entry created",
				event.Provider, event.ProviderEventType, event.ProviderTransactionID)
			return nil
		}
		created, err := s.ledger.CreateLog(ctx, &models.TransactionLog{
			MerchantID: event.MerchantID,
			Provider:   event.Provider,
			Amount:     event.Amount,
			Currency:   event.Currency,
			Type:       models.TransactionTypeCharge,
		})
		if err != nil {
			return err
		}
		entry = created
	}

	if _, err := s.ledger.UpdateStatus(ctx, entry.ID, status, event.ProviderTransactionID, "", event.FailureReason); err != nil {
		return err
	}
	return nil
}

// processSubscriptionEvent reconciles recurring billing outcomes delivered by
// the provider: renewal confirmations, renewal failures and provider-side
// cancellations.
func (s *Service) processSubscriptionEvent(ctx context.Context, event *gateway.WebhookEvent) error {
	if event.ProviderSubscriptionID == "" {
		log.Warnf("[Webhook] %s subscription event %s carries no subscription id, skipping", event.Provider, event.EventID)
		return nil
	}

	sub, err := s.subs.GetByProviderSubscriptionID(ctx, event.Provider, event.ProviderSubscriptionID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			log.Warnf("[Webhook] %s event %s references unknown subscription %s, skipping",
				event.Provider, event.ProviderEventType, event.ProviderSubscriptionID)
			return nil
		}
		return err
	}

	switch event.Type {
	case gateway.EventTypeSubscriptionPaymentSucceeded:
		return s.applySubscriptionPaymentSuccess(ctx, sub, event)

	case gateway.EventTypeSubscriptionPaymentFailed:
		if err := s.recordSubscriptionAttempt(ctx, sub, event, models.PaymentStatusFailed); err != nil {
			// the failure signal still reaches the state machine and dunning
			// when the attempt cannot be booked
			log.Errorf("[Webhook] booking failed attempt for %s: %v", sub.ID, err)
		}
		_, events, err := s.subs.RecordPaymentFailure(ctx, sub.ID, event.FailureReason, event.Amount, event.Currency)
		if err != nil {
			return err
		}
		notifications.PublishAll(ctx, s.sink, events)
		// kick the dunning evaluation right away; the sweep would catch it
		// later anyway
		if dunErr := s.dunning.Execute(ctx, sub.ProviderSubscriptionID, sub.Provider, s.dunParams, nil); dunErr != nil {
			log.Errorf("[Webhook] dunning after failed payment for %s: %v", sub.ID, dunErr)
		}
		return nil

	case gateway.EventTypeSubscriptionCancelled:
		_, events, err := s.subs.Cancel(ctx, sub.ID)
		if err != nil {
			if errors.Is(err, subscription.ErrInvalidTransition) {
				return nil
			}
			return err
		}
		notifications.PublishAll(ctx, s.sink, events)
		return nil

	default:
		log.Infof("[Webhook] ignoring %s subscription event type %s", event.Provider, event.ProviderEventType)
		return nil
	}
}

func (s *Service) applySubscriptionPaymentSuccess(ctx context.Context, sub *models.MerchantSubscription, event *gateway.WebhookEvent) error {
	if err := s.recordSubscriptionAttempt(ctx, sub, event, models.PaymentStatusSuccessful); err != nil {
		return err
	}

	_, events, err := s.subs.RecordPaymentSuccess(ctx, sub.ID, event.Amount, event.Currency, event.ProviderTransactionID)
	if err != nil {
		return err
	}
	notifications.PublishAll(ctx, s.sink, events)

	// The provider knows the authoritative new period. Best effort; the
	// renewal sweep recomputes locally when this lookup fails.
	gw, err := s.gateways.GetGateway(sub.Provider)
	if err != nil {
		return nil
	}
	details, err := gw.GetRecurringPaymentDetails(ctx, sub.ProviderSubscriptionID)
	if err != nil || details.PeriodEnd.IsZero() {
		return nil
	}
	if details.PeriodEnd.After(sub.CurrentPeriodEnd) {
		if _, events, err := s.subs.Renew(ctx, sub.ID, details.PeriodStart, details.PeriodEnd); err == nil {
			notifications.PublishAll(ctx, s.sink, events)
		}
	}
	return nil
}

// recordSubscriptionAttempt upserts the ledger entry for a provider-reported
// recurring charge. An entry the platform created beforehand (renewal sweep,
// dunning retry) is updated; otherwise one is created so provider-initiated
// renewals still land in the audit trail.
func (s *Service) recordSubscriptionAttempt(ctx context.Context, sub *models.MerchantSubscription, event *gateway.WebhookEvent, status string) error {
	if event.ProviderTransactionID != "" {
		if entry, err := s.ledger.FindByProviderTransactionID(ctx, event.Provider, event.ProviderTransactionID); err == nil {
			_, err = s.ledger.UpdateStatus(ctx, entry.ID, status, event.ProviderTransactionID, "", event.FailureReason)
			return err
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
	}

	amount := event.Amount
	currency := event.Currency
	if !amount.IsPositive() {
		// Some provider events carry no payment entity, razorpay's
		// subscription.halted and subscription.pending among them. The
		// attempt is booked at the subscription's plan price instead.
		plan, err := s.plans.GetByID(sub.PlanID)
		if err != nil {
			return fmt.Errorf("resolve plan %s for attempt without amount: %w", sub.PlanID, err)
		}
		pricing, ok := plan.PricingFor(sub.BillingCycle)
		if !ok {
			return fmt.Errorf("plan %s has no %s pricing for attempt without amount", sub.PlanID, sub.BillingCycle)
		}
		amount = pricing.Amount
		currency = pricing.Currency
	}

	entry, err := s.ledger.CreateLog(ctx, &models.TransactionLog{
		MerchantID:             sub.MerchantID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		Provider:               event.Provider,
		Amount:                 amount,
		Currency:               currency,
		Type:                   models.TransactionTypeRecurringRenewal,
	})
	if err != nil {
		return err
	}
	_, err = s.ledger.UpdateStatus(ctx, entry.ID, status, event.ProviderTransactionID, "", event.FailureReason)
	return err
}
