package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no subscription matches the lookup.
var ErrNotFound = errors.New("subscription not found")

// ErrInvalidTransition is returned when an operation is not allowed from the
// subscription's current state. The check happens before any mutation, so
// persisted state is never corrupted.
var ErrInvalidTransition = errors.New("invalid subscription state transition")

// ErrMerchantAlreadySubscribed enforces the one non-terminated subscription
// per merchant invariant.
var ErrMerchantAlreadySubscribed = errors.New("merchant already has an active subscription")

const saveRetries = 3

// SubscribeInput is everything needed to create the billing aggregate after
// the provider-side mandate exists.
type SubscribeInput struct {
	MerchantID             string
	PlanID                 string
	BillingCycle           string
	Provider               string
	ProviderSubscriptionID string
	PaymentToken           string
	ContactEmail           string
	BillingAddressJSON     string
	PeriodStart            time.Time
	PeriodEnd              time.Time
}

// Service is the authoritative owner of MerchantSubscription status
// transitions. Mutations are serialized per subscription id with an
// in-process keyed lock; the repository's optimistic version check guards
// against writers in other processes.
type Service struct {
	repo  repository.SubscriptionRepository
	locks keyedMutex
}

// NewService creates a subscription state machine from an injected repository.
func NewService(repo repository.SubscriptionRepository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a subscription state machine from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(repository.NewSubscriptionRepository(db))
}

// Subscribe creates the aggregate in pending. It becomes active once the
// first charge is confirmed successful.
func (s *Service) Subscribe(ctx context.Context, in SubscribeInput) (*models.MerchantSubscription, []Event, error) {
	_ = ctx
	if in.MerchantID == "" || in.PlanID == "" || in.Provider == "" {
		return nil, nil, errors.New("merchant_id, plan_id and provider are required")
	}
	if !models.ValidBillingCycle(in.BillingCycle) {
		return nil, nil, fmt.Errorf("unknown billing cycle %q", in.BillingCycle)
	}

	existing, err := s.repo.GetActiveByMerchant(in.MerchantID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, ErrMerchantAlreadySubscribed
	}

	now := time.Now().UTC()
	sub := &models.MerchantSubscription{
		ID:                     uuid.NewString(),
		MerchantID:             in.MerchantID,
		PlanID:                 in.PlanID,
		Status:                 models.SubscriptionStatusPending,
		BillingCycle:           in.BillingCycle,
		StartDate:              now,
		CurrentPeriodStart:     in.PeriodStart,
		CurrentPeriodEnd:       in.PeriodEnd,
		Provider:               in.Provider,
		ProviderSubscriptionID: in.ProviderSubscriptionID,
		PaymentToken:           in.PaymentToken,
		ContactEmail:           in.ContactEmail,
		BillingAddressJSON:     in.BillingAddressJSON,
	}
	if err := s.repo.Create(sub); err != nil {
		return nil, nil, err
	}

	events := []Event{{
		Type:           EventSubscriptionCreated,
		SubscriptionID: sub.ID,
		MerchantID:     sub.MerchantID,
		NewStatus:      sub.Status,
		OccurredAt:     now,
	}}
	return sub, events, nil
}

// RecordPaymentSuccess applies a confirmed charge: the subscription becomes
// active, the dunning counter resets and a success record is appended to the
// payment history. Valid from any non-terminal state.
func (s *Service) RecordPaymentSuccess(ctx context.Context, id string, amount decimal.Decimal, currency, providerTxnID string) (*models.MerchantSubscription, []Event, error) {
	return s.mutate(ctx, id, func(sub *models.MerchantSubscription) ([]Event, error) {
		if sub.IsTerminal() {
			return nil, fmt.Errorf("%w: payment success on %s subscription", ErrInvalidTransition, sub.Status)
		}

		oldStatus := sub.Status
		now := time.Now().UTC()
		sub.Status = models.SubscriptionStatusActive
		sub.DunningAttempts = 0
		sub.LastPaymentAttemptAt = nil
		sub.AppendPaymentRecord(models.PaymentRecord{
			Amount:                amount,
			Currency:              currency,
			Status:                models.PaymentStatusSuccessful,
			ProviderTransactionID: providerTxnID,
			RecordedAt:            now,
		})

		events := []Event{{
			Type:           EventPaymentSucceeded,
			SubscriptionID: sub.ID,
			MerchantID:     sub.MerchantID,
			OldStatus:      oldStatus,
			NewStatus:      sub.Status,
			OccurredAt:     now,
		}}
		if oldStatus != models.SubscriptionStatusActive {
			events = append(events, Event{
				Type:           EventSubscriptionActivated,
				SubscriptionID: sub.ID,
				MerchantID:     sub.MerchantID,
				OldStatus:      oldStatus,
				NewStatus:      sub.Status,
				OccurredAt:     now,
			})
		}
		return events, nil
	})
}

// RecordPaymentFailure applies a failed charge: the dunning counter
// increments, the attempt timestamp is stamped and a failure record is
// appended. An active subscription drops to past due; past-due and suspended
// ones stay where they are, escalation is the dunning engine's job.
func (s *Service) RecordPaymentFailure(ctx context.Context, id, reason string, amount decimal.Decimal, currency string) (*models.MerchantSubscription, []Event, error) {
	return s.mutate(ctx, id, func(sub *models.MerchantSubscription) ([]Event, error) {
		if sub.IsTerminal() {
			return nil, fmt.Errorf("%w: payment failure on %s subscription", ErrInvalidTransition, sub.Status)
		}

		oldStatus := sub.Status
		now := time.Now().UTC()
		sub.DunningAttempts++
		sub.LastPaymentAttemptAt = &now
		if sub.Status == models.SubscriptionStatusActive {
			sub.Status = models.SubscriptionStatusPastDue
		}
		sub.AppendPaymentRecord(models.PaymentRecord{
			Amount:     amount,
			Currency:   currency,
			Status:     models.PaymentStatusFailed,
			Reason:     reason,
			RecordedAt: now,
		})

		events := []Event{{
			Type:           EventPaymentFailed,
			SubscriptionID: sub.ID,
			MerchantID:     sub.MerchantID,
			OldStatus:      oldStatus,
			NewStatus:      sub.Status,
			Reason:         reason,
			OccurredAt:     now,
		}}
		if oldStatus == models.SubscriptionStatusActive {
			events = append(events, Event{
				Type:           EventSubscriptionPastDue,
				SubscriptionID: sub.ID,
				MerchantID:     sub.MerchantID,
				OldStatus:      oldStatus,
				NewStatus:      sub.Status,
				Reason:         reason,
				OccurredAt:     now,
			})
		}
		return events, nil
	})
}

// Renew advances the billing period after a renewal charge succeeded. Only
// valid from active or past due.
func (s *Service) Renew(ctx context.Context, id string, newPeriodStart, newPeriodEnd time.Time) (*models.MerchantSubscription, []Event, error) {
	return s.mutate(ctx, id, func(sub *models.MerchantSubscription) ([]Event, error) {
		if sub.Status != models.SubscriptionStatusActive && sub.Status != models.SubscriptionStatusPastDue {
			return nil, fmt.Errorf("%w: renew from %s", ErrInvalidTransition, sub.Status)
		}

		oldStatus := sub.Status
		now := time.Now().UTC()
		sub.CurrentPeriodStart = newPeriodStart
		sub.CurrentPeriodEnd = newPeriodEnd
		sub.Status = models.SubscriptionStatusActive
		sub.DunningAttempts = 0

		events := []Event{{
			Type:           EventSubscriptionRenewed,
			SubscriptionID: sub.ID,
			MerchantID:     sub.MerchantID,
			OldStatus:      oldStatus,
			NewStatus:      sub.Status,
			OccurredAt:     now,
		}}
		return events, nil
	})
}

// ChangePlan moves the subscription to another plan mid-cycle. A plan change
// implies the merchant has resolved billing, so a non-active subscription is
// promoted to active. Invalid from terminal states.
func (s *Service) ChangePlan(ctx context.Context, id, newPlanID string, prorationAmount decimal.Decimal, newCycle string) (*models.MerchantSubscription, []Event, error) {
	return s.mutate(ctx, id, func(sub *models.MerchantSubscription) ([]Event, error) {
		if sub.IsTerminal() {
			return nil, fmt.Errorf("%w: plan change on %s subscription", ErrInvalidTransition, sub.Status)
		}
		if newCycle != "" && !models.ValidBillingCycle(newCycle) {
			return nil, fmt.Errorf("unknown billing cycle %q", newCycle)
		}

		oldStatus := sub.Status
		now := time.Now().UTC()
		sub.PlanID = newPlanID
		if newCycle != "" {
			sub.BillingCycle = newCycle
		}
		sub.Status = models.SubscriptionStatusActive

		events := []Event{{
			Type:           EventPlanChanged,
			SubscriptionID: sub.ID,
			MerchantID:     sub.MerchantID,
			OldStatus:      oldStatus,
			NewStatus:      sub.Status,
			Reason:         fmt.Sprintf("proration %s", prorationAmount.StringFixed(2)),
			OccurredAt:     now,
		}}
		if oldStatus != models.SubscriptionStatusActive {
			events = append(events, Event{
				Type:           EventSubscriptionActivated,
				SubscriptionID: sub.ID,
				MerchantID:     sub.MerchantID,
				OldStatus:      oldStatus,
				NewStatus:      sub.Status,
				OccurredAt:     now,
			})
		}
		return events, nil
	})
}

// Cancel ends the billing relationship. Entitlement continues until the paid
// period runs out, so the end date is the later of now and the period end.
func (s *Service) Cancel(ctx context.Context, id string) (*models.MerchantSubscription, []Event, error) {
	return s.mutate(ctx, id, func(sub *models.MerchantSubscription) ([]Event, error) {
		if sub.Status == models.SubscriptionStatusCancelled {
			return nil, nil
		}
		if sub.Status == models.SubscriptionStatusTerminated {
			return nil, fmt.Errorf("%w: cancel on terminated subscription", ErrInvalidTransition)
		}

		oldStatus := sub.Status
		now := time.Now().UTC()
		endDate := now
		if sub.CurrentPeriodEnd.After(now) {
			endDate = sub.CurrentPeriodEnd
		}
		sub.Status = models.SubscriptionStatusCancelled
		sub.EndDate = &endDate

		return []Event{{
			Type:           EventSubscriptionCancelled,
			SubscriptionID: sub.ID,
			MerchantID:     sub.MerchantID,
			OldStatus:      oldStatus,
			NewStatus:      sub.Status,
			OccurredAt:     now,
		}}, nil
	})
}

// Suspend parks a past-due subscription after dunning gave up on retries but
// the policy stopped short of cancellation. No-op when already suspended or
// terminal.
func (s *Service) Suspend(ctx context.Context, id string) (*models.MerchantSubscription, []Event, error) {
	return s.mutate(ctx, id, func(sub *models.MerchantSubscription) ([]Event, error) {
		switch sub.Status {
		case models.SubscriptionStatusSuspended, models.SubscriptionStatusCancelled, models.SubscriptionStatusTerminated:
			return nil, nil
		case models.SubscriptionStatusPastDue:
		default:
			return nil, fmt.Errorf("%w: suspend from %s", ErrInvalidTransition, sub.Status)
		}

		oldStatus := sub.Status
		now := time.Now().UTC()
		sub.Status = models.SubscriptionStatusSuspended

		return []Event{{
			Type:           EventSubscriptionSuspended,
			SubscriptionID: sub.ID,
			MerchantID:     sub.MerchantID,
			OldStatus:      oldStatus,
			NewStatus:      sub.Status,
			OccurredAt:     now,
		}}, nil
	})
}

// Terminate ends the subscription immediately. Idempotent. A cancelled
// subscription is already terminal and keeps its period-end EndDate.
func (s *Service) Terminate(ctx context.Context, id string) (*models.MerchantSubscription, []Event, error) {
	return s.mutate(ctx, id, func(sub *models.MerchantSubscription) ([]Event, error) {
		if sub.Status == models.SubscriptionStatusTerminated {
			return nil, nil
		}
		if sub.Status == models.SubscriptionStatusCancelled {
			return nil, fmt.Errorf("%w: terminate on cancelled subscription", ErrInvalidTransition)
		}

		oldStatus := sub.Status
		now := time.Now().UTC()
		sub.Status = models.SubscriptionStatusTerminated
		sub.EndDate = &now

		return []Event{{
			Type:           EventSubscriptionTerminated,
			SubscriptionID: sub.ID,
			MerchantID:     sub.MerchantID,
			OldStatus:      oldStatus,
			NewStatus:      sub.Status,
			OccurredAt:     now,
		}}, nil
	})
}

// GetByID loads a subscription.
func (s *Service) GetByID(ctx context.Context, id string) (*models.MerchantSubscription, error) {
	_ = ctx
	sub, err := s.repo.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

// GetByProviderSubscriptionID resolves a provider subscription id, the key
// webhooks carry, to the local aggregate.
func (s *Service) GetByProviderSubscriptionID(ctx context.Context, provider, providerSubscriptionID string) (*models.MerchantSubscription, error) {
	_ = ctx
	sub, err := s.repo.GetByProviderSubscriptionID(provider, providerSubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

// FindDueForRenewal feeds the renewal sweep.
func (s *Service) FindDueForRenewal(ctx context.Context, before time.Time, limit int) ([]models.MerchantSubscription, error) {
	_ = ctx
	return s.repo.FindDueForRenewal(before, limit)
}

// FindInDunning feeds the dunning sweep.
func (s *Service) FindInDunning(ctx context.Context, limit int) ([]models.MerchantSubscription, error) {
	_ = ctx
	return s.repo.FindInDunning(limit)
}

// mutate runs a read-modify-write under the per-subscription lock. A version
// conflict from another process triggers a bounded reload-and-retry.
func (s *Service) mutate(ctx context.Context, id string, fn func(*models.MerchantSubscription) ([]Event, error)) (*models.MerchantSubscription, []Event, error) {
	_ = ctx
	unlock := s.locks.lock(id)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		sub, err := s.repo.GetByID(id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil, ErrNotFound
			}
			return nil, nil, err
		}

		events, err := fn(sub)
		if err != nil {
			return nil, nil, err
		}
		if events == nil {
			// no-op transition, nothing to persist
			return sub, nil, nil
		}

		if err := s.repo.Save(sub); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, nil, err
		}
		return sub, events, nil
	}
	return nil, nil, lastErr
}

// keyedMutex serializes operations per subscription id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
