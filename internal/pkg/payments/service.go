package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/dunning"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayFox/internal/pkg/notifications"
	"github.com/ManuelReschke/PayFox/internal/pkg/proration"
	"github.com/ManuelReschke/PayFox/internal/pkg/subscription"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

// ErrValidation marks caller mistakes (bad amount, unknown plan, missing
// token) as opposed to provider or infrastructure failures.
var ErrValidation = errors.New("validation failed")

// ErrRefundNotAllowed is returned when no successful original transaction
// exists to refund against.
var ErrRefundNotAllowed = errors.New("refund not allowed for this transaction")

// Enqueuer defers webhook post-processing to the background queue. The
// transport layer acks the provider as soon as the receipt is persisted and
// the job is queued.
type Enqueuer interface {
	EnqueueWebhookProcessing(ctx context.Context, receiptID uint, event *gateway.WebhookEvent) error
}

// Service orchestrates the foreground billing flows: it owns the call order
// gateway -> ledger -> state machine and never the individual steps'
// internals.
type Service struct {
	gateways  *gateway.Factory
	ledger    *ledger.Service
	subs      *subscription.Service
	plans     repository.PlanRepository
	webhooks  repository.WebhookRepository
	sink      notifications.Sink
	dunning   *dunning.Engine
	dunParams dunning.Params

	prorationPolicy string
	enqueuer        Enqueuer
}

// NewService wires the orchestrator. enqueuer may be nil, in which case
// webhooks are processed synchronously after the receipt is stored.
func NewService(
	gateways *gateway.Factory,
	ledgerSvc *ledger.Service,
	subs *subscription.Service,
	plans repository.PlanRepository,
	webhooks repository.WebhookRepository,
	sink notifications.Sink,
	dunningEngine *dunning.Engine,
	dunParams dunning.Params,
	prorationPolicy string,
) *Service {
	if prorationPolicy == "" {
		prorationPolicy = proration.PolicyProrated
	}
	return &Service{
		gateways:        gateways,
		ledger:          ledgerSvc,
		subs:            subs,
		plans:           plans,
		webhooks:        webhooks,
		sink:            sink,
		dunning:         dunningEngine,
		dunParams:       dunParams,
		prorationPolicy: prorationPolicy,
	}
}

// SetEnqueuer installs the background queue after construction. The queue
// itself depends on this service, so the wiring is two-phase.
func (s *Service) SetEnqueuer(e Enqueuer) {
	s.enqueuer = e
}

// ChargeInput is a one-time charge request from the API layer, already
// schema-validated.
type ChargeInput struct {
	MerchantID   string
	OrderID      string
	Provider     string
	Amount       decimal.Decimal
	Currency     string
	PaymentToken string
	Description  string
}

// ChargeOutcome is what the API returns for a charge or renewal attempt.
type ChargeOutcome struct {
	TransactionID         string
	ProviderTransactionID string
	Status                string
	Message               string
}

// CollectPayment runs a one-time charge end to end. The ledger entry is
// created pending before the provider is contacted, so a crash mid-call
// leaves an auditable open row instead of silence.
func (s *Service) CollectPayment(ctx context.Context, in ChargeInput) (*ChargeOutcome, error) {
	if in.Amount.Cmp(decimal.Zero) <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if in.PaymentToken == "" {
		return nil, fmt.Errorf("%w: payment token is required", ErrValidation)
	}

	// Resolve the gateway first: a disabled provider must not leave a
	// pending ledger row behind.
	gw, err := s.gateways.GetGateway(in.Provider)
	if err != nil {
		return nil, err
	}

	entry, err := s.ledger.CreateLog(ctx, &models.TransactionLog{
		MerchantID: in.MerchantID,
		OrderID:    in.OrderID,
		Provider:   in.Provider,
		Amount:     in.Amount,
		Currency:   strings.ToUpper(in.Currency),
		Type:       models.TransactionTypeSale,
	})
	if err != nil {
		return nil, err
	}

	result, gwErr := gw.ProcessPayment(ctx, gateway.ChargeRequest{
		MerchantID:   in.MerchantID,
		OrderID:      in.OrderID,
		Amount:       in.Amount,
		Currency:     strings.ToUpper(in.Currency),
		PaymentToken: in.PaymentToken,
		Description:  in.Description,
	})
	if gwErr != nil {
		if _, err := s.ledger.UpdateStatus(ctx, entry.ID, models.PaymentStatusFailed, "", "", gwErr.Error()); err != nil {
			log.Errorf("[Payments] ledger update after gateway error failed: %v", err)
		}
		return nil, gwErr
	}

	updated, err := s.ledger.UpdateStatus(ctx, entry.ID, result.Status, result.ProviderTransactionID, result.RawResponse, result.Message)
	if err != nil {
		return nil, err
	}

	if updated.Status == models.PaymentStatusSuccessful {
		_ = counter.AddChargeSuccessful(in.Provider)
	} else if updated.Status == models.PaymentStatusFailed {
		_ = counter.AddChargeFailed(in.Provider)
	}

	return &ChargeOutcome{
		TransactionID:         updated.ID,
		ProviderTransactionID: updated.ProviderTransactionID,
		Status:                updated.Status,
		Message:               result.Message,
	}, nil
}

// RefundInput is a refund request against an earlier charge.
type RefundInput struct {
	Provider              string
	ProviderTransactionID string
	Amount                decimal.Decimal
	Reason                string
}

// RefundPayment refunds a prior successful charge, fully or partially. The
// original entry is required so a refund can never be issued for money that
// was never collected.
func (s *Service) RefundPayment(ctx context.Context, in RefundInput) (*ChargeOutcome, error) {
	original, err := s.ledger.FindByProviderTransactionID(ctx, in.Provider, in.ProviderTransactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: original transaction %s not found", ErrRefundNotAllowed, in.ProviderTransactionID)
		}
		return nil, err
	}
	if original.Status != models.PaymentStatusSuccessful && original.Status != models.PaymentStatusRefunded {
		return nil, fmt.Errorf("%w: original transaction is %s", ErrRefundNotAllowed, original.Status)
	}

	amount := in.Amount
	if amount.IsZero() {
		amount = original.Amount
	}
	if amount.Cmp(decimal.Zero) <= 0 || amount.Cmp(original.Amount) > 0 {
		return nil, fmt.Errorf("%w: refund amount out of range", ErrValidation)
	}

	gw, err := s.gateways.GetGateway(in.Provider)
	if err != nil {
		return nil, err
	}

	entry, err := s.ledger.CreateLog(ctx, &models.TransactionLog{
		MerchantID:             original.MerchantID,
		OrderID:                original.OrderID,
		ProviderSubscriptionID: original.ProviderSubscriptionID,
		Provider:               in.Provider,
		Amount:                 amount,
		Currency:               original.Currency,
		Type:                   models.TransactionTypeRefund,
	})
	if err != nil {
		return nil, err
	}

	result, gwErr := gw.RefundPayment(ctx, gateway.RefundRequest{
		ProviderTransactionID: in.ProviderTransactionID,
		Amount:                amount,
		Currency:              original.Currency,
		Reason:                in.Reason,
	})
	if gwErr != nil {
		if _, err := s.ledger.UpdateStatus(ctx, entry.ID, models.PaymentStatusFailed, "", "", gwErr.Error()); err != nil {
			log.Errorf("[Payments] ledger update after refund error failed: %v", err)
		}
		return nil, gwErr
	}

	status := models.PaymentStatusRefunded
	if result.Status == models.PaymentStatusFailed || result.Status == models.PaymentStatusPending {
		status = result.Status
	}
	updated, err := s.ledger.UpdateStatus(ctx, entry.ID, status, result.ProviderRefundID, "", result.Message)
	if err != nil {
		return nil, err
	}
	if status == models.PaymentStatusRefunded {
		_ = counter.AddRefund(in.Provider)
		if _, err := s.ledger.UpdateStatus(ctx, original.ID, models.PaymentStatusRefunded, "", "", ""); err != nil {
			log.Warnf("[Payments] could not mark original %s refunded: %v", original.ID, err)
		}
	}

	return &ChargeOutcome{
		TransactionID:         updated.ID,
		ProviderTransactionID: updated.ProviderTransactionID,
		Status:                updated.Status,
		Message:               result.Message,
	}, nil
}

// SubscribeInput starts a recurring billing relationship.
type SubscribeInput struct {
	MerchantID         string
	PlanID             string
	BillingCycle       string
	Provider           string
	PaymentToken       string
	ContactEmail       string
	BillingAddressJSON string
}

// Subscribe creates the provider mandate, the local aggregate and the initial
// ledger entry. The subscription stays pending until the first charge is
// confirmed, either inline here or later by webhook.
func (s *Service) Subscribe(ctx context.Context, in SubscribeInput) (*models.MerchantSubscription, error) {
	plan, err := s.plans.GetByID(in.PlanID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown plan %s", ErrValidation, in.PlanID)
	}
	pricing, ok := plan.PricingFor(in.BillingCycle)
	if !ok {
		return nil, fmt.Errorf("%w: plan %s has no %s pricing", ErrValidation, in.PlanID, in.BillingCycle)
	}
	price := pricing.Amount

	gw, err := s.gateways.GetGateway(in.Provider)
	if err != nil {
		return nil, err
	}

	mandate, err := gw.CreateRecurringPayment(ctx, gateway.RecurringRequest{
		MerchantID:   in.MerchantID,
		PlanID:       plan.ID,
		PlanName:     plan.Name,
		Amount:       price,
		Currency:     pricing.Currency,
		BillingCycle: in.BillingCycle,
		PaymentToken: in.PaymentToken,
		ContactEmail: in.ContactEmail,
	})
	if err != nil {
		return nil, err
	}

	periodStart, periodEnd := mandate.PeriodStart, mandate.PeriodEnd
	if periodEnd.IsZero() {
		periodStart = time.Now().UTC()
		periodEnd = nextPeriodEnd(periodStart, in.BillingCycle)
	}

	sub, events, err := s.subs.Subscribe(ctx, subscription.SubscribeInput{
		MerchantID:             in.MerchantID,
		PlanID:                 in.PlanID,
		BillingCycle:           in.BillingCycle,
		Provider:               in.Provider,
		ProviderSubscriptionID: mandate.ProviderSubscriptionID,
		PaymentToken:           in.PaymentToken,
		ContactEmail:           in.ContactEmail,
		BillingAddressJSON:     in.BillingAddressJSON,
		PeriodStart:            periodStart,
		PeriodEnd:              periodEnd,
	})
	if err != nil {
		// Roll the mandate back so the merchant is not billed for an
		// aggregate that was never created.
		if cancelErr := gw.CancelRecurringPayment(ctx, mandate.ProviderSubscriptionID); cancelErr != nil {
			log.Errorf("[Payments] mandate rollback failed for %s: %v", mandate.ProviderSubscriptionID, cancelErr)
		}
		return nil, err
	}
	notifications.PublishAll(ctx, s.sink, events)

	entry, err := s.ledger.CreateLog(ctx, &models.TransactionLog{
		MerchantID:             in.MerchantID,
		ProviderSubscriptionID: mandate.ProviderSubscriptionID,
		Provider:               in.Provider,
		Amount:                 price,
		Currency:               pricing.Currency,
		Type:                   models.TransactionTypeRecurringInitial,
	})
	if err != nil {
		return sub, err
	}

	// Some providers settle the first charge synchronously while creating
	// the mandate; others confirm via webhook only.
	if mandate.Status == models.PaymentStatusSuccessful {
		if _, err := s.ledger.UpdateStatus(ctx, entry.ID, models.PaymentStatusSuccessful, "", mandate.PlanSnapshotJSON, ""); err != nil {
			return sub, err
		}
		updated, events, err := s.subs.RecordPaymentSuccess(ctx, sub.ID, price, pricing.Currency, "")
		if err != nil {
			return sub, err
		}
		notifications.PublishAll(ctx, s.sink, events)
		return updated, nil
	}

	return sub, nil
}

// ChangePlanInput moves an existing subscription to another plan.
type ChangePlanInput struct {
	SubscriptionID  string
	NewPlanID       string
	NewBillingCycle string
	ProrationPolicy string
}

// ChangePlan calculates the proration adjustment, charges it when positive
// and applies the plan switch. A credit (downgrade) is recorded but not
// refunded in cash; it offsets the next renewal at the provider.
func (s *Service) ChangePlan(ctx context.Context, in ChangePlanInput) (*models.MerchantSubscription, decimal.Decimal, error) {
	sub, err := s.subs.GetByID(ctx, in.SubscriptionID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if in.NewPlanID == sub.PlanID && (in.NewBillingCycle == "" || in.NewBillingCycle == sub.BillingCycle) {
		return nil, decimal.Zero, fmt.Errorf("%w: subscription already on plan %s", ErrValidation, in.NewPlanID)
	}

	oldPlan, err := s.plans.GetByID(sub.PlanID)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: current plan %s not found", ErrValidation, sub.PlanID)
	}
	newPlan, err := s.plans.GetByID(in.NewPlanID)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: unknown plan %s", ErrValidation, in.NewPlanID)
	}

	policy := in.ProrationPolicy
	if policy == "" {
		policy = s.prorationPolicy
	}
	adjustment := proration.Calculate(sub, oldPlan, newPlan, time.Now().UTC(), policy)

	if adjustment.Cmp(decimal.Zero) > 0 {
		cycle := sub.BillingCycle
		if in.NewBillingCycle != "" {
			cycle = in.NewBillingCycle
		}
		pricing, ok := newPlan.PricingFor(cycle)
		if !ok {
			return nil, decimal.Zero, fmt.Errorf("%w: plan %s has no %s pricing", ErrValidation, in.NewPlanID, cycle)
		}
		outcome, err := s.CollectPayment(ctx, ChargeInput{
			MerchantID:   sub.MerchantID,
			Provider:     sub.Provider,
			Amount:       adjustment,
			Currency:     pricing.Currency,
			PaymentToken: sub.PaymentToken,
			Description:  fmt.Sprintf("plan change %s -> %s", oldPlan.ID, newPlan.ID),
		})
		if err != nil {
			return nil, adjustment, err
		}
		if outcome.Status != models.PaymentStatusSuccessful {
			return nil, adjustment, fmt.Errorf("proration charge %s: %s", outcome.Status, outcome.Message)
		}
	}

	updated, events, err := s.subs.ChangePlan(ctx, sub.ID, in.NewPlanID, adjustment, in.NewBillingCycle)
	if err != nil {
		return nil, adjustment, err
	}
	notifications.PublishAll(ctx, s.sink, events)
	return updated, adjustment, nil
}

// CancelSubscription cancels at the provider and locally. Entitlement runs to
// the end of the already-paid period.
func (s *Service) CancelSubscription(ctx context.Context, id string) (*models.MerchantSubscription, error) {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if sub.ProviderSubscriptionID != "" && !sub.IsTerminal() {
		gw, err := s.gateways.GetGateway(sub.Provider)
		if err != nil {
			return nil, err
		}
		if err := gw.CancelRecurringPayment(ctx, sub.ProviderSubscriptionID); err != nil {
			return nil, err
		}
	}

	updated, events, err := s.subs.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	notifications.PublishAll(ctx, s.sink, events)
	return updated, nil
}

// RenewSubscription runs one renewal charge for a subscription whose period
// has lapsed. Called by the renewal sweep.
func (s *Service) RenewSubscription(ctx context.Context, id string) error {
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status != models.SubscriptionStatusActive && sub.Status != models.SubscriptionStatusPastDue {
		return nil
	}

	plan, err := s.plans.GetByID(sub.PlanID)
	if err != nil {
		return fmt.Errorf("renewal: plan %s for subscription %s: %w", sub.PlanID, sub.ID, err)
	}
	pricing, ok := plan.PricingFor(sub.BillingCycle)
	if !ok {
		return fmt.Errorf("renewal: plan %s has no %s pricing", sub.PlanID, sub.BillingCycle)
	}
	price := pricing.Amount

	gw, err := s.gateways.GetGateway(sub.Provider)
	if err != nil {
		return err
	}

	entry, err := s.ledger.CreateLog(ctx, &models.TransactionLog{
		MerchantID:             sub.MerchantID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		Provider:               sub.Provider,
		Amount:                 price,
		Currency:               pricing.Currency,
		Type:                   models.TransactionTypeRecurringRenewal,
	})
	if err != nil {
		return err
	}

	result, gwErr := gw.ProcessPayment(ctx, gateway.ChargeRequest{
		MerchantID:   sub.MerchantID,
		Amount:       price,
		Currency:     pricing.Currency,
		PaymentToken: sub.PaymentToken,
		Description:  fmt.Sprintf("renewal %s", plan.Name),
	})
	if gwErr != nil {
		if _, err := s.ledger.UpdateStatus(ctx, entry.ID, models.PaymentStatusFailed, "", "", gwErr.Error()); err != nil {
			log.Errorf("[Payments] ledger update after renewal error failed: %v", err)
		}
		_, events, err := s.subs.RecordPaymentFailure(ctx, sub.ID, gwErr.Error(), price, pricing.Currency)
		if err != nil {
			return err
		}
		notifications.PublishAll(ctx, s.sink, events)
		return nil
	}

	if _, err := s.ledger.UpdateStatus(ctx, entry.ID, result.Status, result.ProviderTransactionID, result.RawResponse, result.Message); err != nil {
		return err
	}

	if result.Status == models.PaymentStatusSuccessful {
		newStart := sub.CurrentPeriodEnd
		newEnd := nextPeriodEnd(newStart, sub.BillingCycle)
		_, events, err := s.subs.Renew(ctx, sub.ID, newStart, newEnd)
		if err != nil {
			return err
		}
		notifications.PublishAll(ctx, s.sink, events)
		return nil
	}

	_, events, err := s.subs.RecordPaymentFailure(ctx, sub.ID, result.Message, price, pricing.Currency)
	if err != nil {
		return err
	}
	notifications.PublishAll(ctx, s.sink, events)
	return nil
}

// RunDunning evaluates one subscription in arrears with the platform default
// policy. Called by the dunning sweep.
func (s *Service) RunDunning(ctx context.Context, sub *models.MerchantSubscription) error {
	if sub.ProviderSubscriptionID == "" {
		return nil
	}
	return s.dunning.Execute(ctx, sub.ProviderSubscriptionID, sub.Provider, s.dunParams, nil)
}

// GetSubscription exposes the aggregate to the API layer.
func (s *Service) GetSubscription(ctx context.Context, id string) (*models.MerchantSubscription, error) {
	return s.subs.GetByID(ctx, id)
}

// FindDueForRenewal exposes the renewal candidates to the sweep.
func (s *Service) FindDueForRenewal(ctx context.Context, before time.Time, limit int) ([]models.MerchantSubscription, error) {
	return s.subs.FindDueForRenewal(ctx, before, limit)
}

// FindInDunning exposes the dunning candidates to the sweep.
func (s *Service) FindInDunning(ctx context.Context, limit int) ([]models.MerchantSubscription, error) {
	return s.subs.FindInDunning(ctx, limit)
}

func nextPeriodEnd(start time.Time, cycle string) time.Time {
	if cycle == models.BillingCycleAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
