package dunning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayFox/internal/pkg/notifications"
	"github.com/ManuelReschke/PayFox/internal/pkg/subscription"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

// Final actions a dunning campaign can end in.
const (
	FinalActionCancelSubscription = "cancel_subscription"
	FinalActionMarkUnpaid         = "mark_unpaid"
)

// Params is the policy for one retry campaign. It is supplied per invocation
// (platform default or merchant-specific override), never persisted.
type Params struct {
	MaxRetries         int
	RetryIntervalsDays []int
	NotifyCustomer     bool
	FinalAction        string
}

// DefaultParamsFromEnv reads the platform dunning policy.
func DefaultParamsFromEnv() Params {
	params := Params{
		MaxRetries:         3,
		RetryIntervalsDays: []int{3, 5, 7},
		NotifyCustomer:     true,
		FinalAction:        FinalActionMarkUnpaid,
	}
	if v, err := strconv.Atoi(env.GetEnv("DUNNING_MAX_RETRIES", "")); err == nil && v > 0 {
		params.MaxRetries = v
	}
	if raw := strings.TrimSpace(env.GetEnv("DUNNING_RETRY_INTERVALS_DAYS", "")); raw != "" {
		var intervals []int
		for _, part := range strings.Split(raw, ",") {
			if d, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && d > 0 {
				intervals = append(intervals, d)
			}
		}
		if len(intervals) > 0 {
			params.RetryIntervalsDays = intervals
		}
	}
	if v := strings.ToLower(env.GetEnv("DUNNING_FINAL_ACTION", "")); v == FinalActionCancelSubscription {
		params.FinalAction = FinalActionCancelSubscription
	}
	if v := strings.ToLower(env.GetEnv("DUNNING_NOTIFY_CUSTOMER", "")); v == "false" || v == "0" {
		params.NotifyCustomer = false
	}
	return params
}

// Engine decides, for a subscription in arrears, whether to retry a charge
// now, wait, or take the configured final action. Attempt counting is
// derived from the ledger's immutable history, never from the subscription's
// cached counter, so a crash mid-update cannot drift the final-action
// decision.
type Engine struct {
	ledger   *ledger.Service
	subs     *subscription.Service
	gateways *gateway.Factory
	sink     notifications.Sink
}

// NewEngine creates a dunning engine.
func NewEngine(ledgerSvc *ledger.Service, subs *subscription.Service, gateways *gateway.Factory, sink notifications.Sink) *Engine {
	return &Engine{ledger: ledgerSvc, subs: subs, gateways: gateways, sink: sink}
}

// Execute runs one dunning evaluation for the given provider subscription.
// lastAttempt may be nil, in which case the latest failed ledger entry is
// looked up. A nil return means the engine either acted or deliberately
// deferred; errors are dunning-process failures the caller should log, with
// state left resumable for the next sweep.
func (e *Engine) Execute(ctx context.Context, providerSubscriptionID, provider string, params Params, lastAttempt *models.TransactionLog) error {
	sub, err := e.subs.GetByProviderSubscriptionID(ctx, provider, providerSubscriptionID)
	if err != nil {
		return fmt.Errorf("dunning: load subscription %s: %w", providerSubscriptionID, err)
	}

	// The final action fires exactly once. A subscription that is already
	// suspended, cancelled or terminated left the campaign.
	if sub.Status != models.SubscriptionStatusActive && sub.Status != models.SubscriptionStatusPastDue {
		return nil
	}

	failures, err := e.ledger.CountConsecutiveFailures(ctx, providerSubscriptionID)
	if err != nil {
		return fmt.Errorf("dunning: count failures for %s: %w", providerSubscriptionID, err)
	}
	if failures == 0 {
		return nil
	}

	if failures >= params.MaxRetries || failures >= len(params.RetryIntervalsDays) {
		return e.finalAction(ctx, sub, params)
	}

	if lastAttempt == nil {
		lastAttempt, err = e.ledger.FindLatestFailedBySubscription(ctx, providerSubscriptionID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("dunning: load last attempt for %s: %w", providerSubscriptionID, err)
		}
	}

	wait := time.Duration(params.RetryIntervalsDays[failures]) * 24 * time.Hour
	if time.Since(lastAttempt.CreatedAt) < wait {
		// not due yet, the next sweep will re-evaluate
		return nil
	}

	return e.retryCharge(ctx, sub, lastAttempt, failures, params)
}

func (e *Engine) retryCharge(ctx context.Context, sub *models.MerchantSubscription, lastAttempt *models.TransactionLog, failures int, params Params) error {
	gw, err := e.gateways.GetGateway(sub.Provider)
	if err != nil {
		return fmt.Errorf("dunning: gateway for %s: %w", sub.Provider, err)
	}

	entry, err := e.ledger.CreateLog(ctx, &models.TransactionLog{
		MerchantID:             sub.MerchantID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		Provider:               sub.Provider,
		Amount:                 lastAttempt.Amount,
		Currency:               lastAttempt.Currency,
		Type:                   models.TransactionTypeRecurringRetry,
	})
	if err != nil {
		return fmt.Errorf("dunning: create retry log: %w", err)
	}

	_ = counter.AddDunningRetry(sub.Provider)
	result, gwErr := gw.ProcessPayment(ctx, gateway.ChargeRequest{
		MerchantID:   sub.MerchantID,
		Amount:       lastAttempt.Amount,
		Currency:     lastAttempt.Currency,
		PaymentToken: sub.PaymentToken,
		Description:  "subscription payment retry",
	})
	if gwErr != nil {
		if _, err := e.ledger.UpdateStatus(ctx, entry.ID, models.PaymentStatusFailed, "", "", gwErr.Error()); err != nil {
			log.Errorf("[Dunning] ledger update after gateway error failed: %v", err)
		}
		return e.afterFailedRetry(ctx, sub, lastAttempt, failures, gwErr.Error(), params)
	}

	if _, err := e.ledger.UpdateStatus(ctx, entry.ID, result.Status, result.ProviderTransactionID, result.RawResponse, result.Message); err != nil {
		return fmt.Errorf("dunning: record retry outcome: %w", err)
	}

	if result.Status == models.PaymentStatusSuccessful {
		_, events, err := e.subs.RecordPaymentSuccess(ctx, sub.ID, lastAttempt.Amount, lastAttempt.Currency, result.ProviderTransactionID)
		if err != nil {
			return fmt.Errorf("dunning: apply retry success: %w", err)
		}
		notifications.PublishAll(ctx, e.sink, events)
		log.Infof("[Dunning] retry succeeded for subscription %s after %d failures", sub.ID, failures)
		return nil
	}

	return e.afterFailedRetry(ctx, sub, lastAttempt, failures, result.Message, params)
}

func (e *Engine) afterFailedRetry(ctx context.Context, sub *models.MerchantSubscription, lastAttempt *models.TransactionLog, failures int, reason string, params Params) error {
	updated, events, err := e.subs.RecordPaymentFailure(ctx, sub.ID, reason, lastAttempt.Amount, lastAttempt.Currency)
	if err != nil {
		return fmt.Errorf("dunning: apply retry failure: %w", err)
	}
	notifications.PublishAll(ctx, e.sink, events)

	if params.NotifyCustomer {
		notifications.NotifyCustomerPaymentFailed(sub.ContactEmail, failures+1, reason)
	}

	if failures+1 >= params.MaxRetries && !updated.IsTerminal() &&
		updated.Status != models.SubscriptionStatusSuspended {
		_, events, err := e.subs.Suspend(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("dunning: suspend after exhausted retries: %w", err)
		}
		notifications.PublishAll(ctx, e.sink, events)
	}
	return nil
}

func (e *Engine) lastFailureDetails(ctx context.Context, providerSubscriptionID string) (string, decimal.Decimal, string) {
	entry, err := e.ledger.FindLatestFailedBySubscription(ctx, providerSubscriptionID)
	if err != nil {
		return "payment retries exhausted", decimal.Zero, ""
	}
	reason := entry.ErrorMessage
	if reason == "" {
		reason = "payment retries exhausted"
	}
	return reason, entry.Amount, entry.Currency
}

func (e *Engine) finalAction(ctx context.Context, sub *models.MerchantSubscription, params Params) error {
	log.Infof("[Dunning] final action %s for subscription %s", params.FinalAction, sub.ID)

	switch params.FinalAction {
	case FinalActionCancelSubscription:
		gw, err := e.gateways.GetGateway(sub.Provider)
		if err != nil {
			return fmt.Errorf("dunning: gateway for final action: %w", err)
		}
		if sub.ProviderSubscriptionID != "" {
			if err := gw.CancelRecurringPayment(ctx, sub.ProviderSubscriptionID); err != nil {
				return fmt.Errorf("dunning: cancel provider subscription: %w", err)
			}
		}
		_, events, err := e.subs.Cancel(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("dunning: cancel subscription: %w", err)
		}
		notifications.PublishAll(ctx, e.sink, events)
		if params.NotifyCustomer {
			notifications.NotifyCustomerFinalAction(sub.ContactEmail, "cancelled")
		}

	case FinalActionMarkUnpaid:
		fallthrough
	default:
		if sub.Status == models.SubscriptionStatusActive {
			// A crash between the ledger write and the subscription update
			// can leave the row active while the ledger already shows an
			// exhausted campaign. Re-apply the failure so the drop to past
			// due lands before suspension.
			reason, amount, currency := e.lastFailureDetails(ctx, sub.ProviderSubscriptionID)
			_, events, err := e.subs.RecordPaymentFailure(ctx, sub.ID, reason, amount, currency)
			if err != nil {
				return fmt.Errorf("dunning: reapply failure before suspend: %w", err)
			}
			notifications.PublishAll(ctx, e.sink, events)
		}
		_, events, err := e.subs.Suspend(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("dunning: suspend subscription: %w", err)
		}
		notifications.PublishAll(ctx, e.sink, events)
		if params.NotifyCustomer {
			notifications.NotifyCustomerFinalAction(sub.ContactEmail, "suspended")
		}
	}
	return nil
}
