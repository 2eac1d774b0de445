package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeSubRepo struct {
	mu   sync.Mutex
	subs map[string]*models.MerchantSubscription
	// conflictsLeft makes the next N Save calls fail with a version conflict.
	conflictsLeft int
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[string]*models.MerchantSubscription)}
}

func (r *fakeSubRepo) Create(sub *models.MerchantSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *sub
	r.subs[sub.ID] = &copied
	return nil
}

func (r *fakeSubRepo) GetByID(id string) (*models.MerchantSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *sub
	return &copied, nil
}

func (r *fakeSubRepo) GetByProviderSubscriptionID(provider, providerSubscriptionID string) (*models.MerchantSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.Provider == provider && sub.ProviderSubscriptionID == providerSubscriptionID {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeSubRepo) GetActiveByMerchant(merchantID string) (*models.MerchantSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.MerchantID == merchantID && !sub.IsTerminal() {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeSubRepo) Save(sub *models.MerchantSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflictsLeft > 0 {
		r.conflictsLeft--
		return repository.ErrVersionConflict
	}
	current, ok := r.subs[sub.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if current.Version != sub.Version {
		return repository.ErrVersionConflict
	}
	sub.Version++
	copied := *sub
	r.subs[sub.ID] = &copied
	return nil
}

func (r *fakeSubRepo) FindDueForRenewal(before time.Time, limit int) ([]models.MerchantSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MerchantSubscription
	for _, sub := range r.subs {
		if sub.Status == models.SubscriptionStatusActive && sub.CurrentPeriodEnd.Before(before) {
			out = append(out, *sub)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeSubRepo) FindInDunning(limit int) ([]models.MerchantSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MerchantSubscription
	for _, sub := range r.subs {
		if sub.Status == models.SubscriptionStatusPastDue {
			out = append(out, *sub)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeSubRepo) Count() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.subs)), nil
}

func subscribeInput(merchant string) SubscribeInput {
	now := time.Now().UTC()
	return SubscribeInput{
		MerchantID:             merchant,
		PlanID:                 "plan-pro",
		BillingCycle:           models.BillingCycleMonthly,
		Provider:               models.PaymentProviderSandbox,
		ProviderSubscriptionID: "sbx_sub_" + merchant,
		PaymentToken:           "tok_visa",
		PeriodStart:            now,
		PeriodEnd:              now.AddDate(0, 1, 0),
	}
}

func paid() decimal.Decimal { return decimal.RequireFromString("30.00") }

func TestSubscribeStartsPending(t *testing.T) {
	svc := NewService(newFakeSubRepo())

	sub, events, err := svc.Subscribe(context.Background(), subscribeInput("m-1"))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPending, sub.Status)
	require.Len(t, events, 1)
	assert.Equal(t, EventSubscriptionCreated, events[0].Type)
}

func TestSubscribeRejectsSecondActive(t *testing.T) {
	svc := NewService(newFakeSubRepo())
	ctx := context.Background()

	_, _, err := svc.Subscribe(ctx, subscribeInput("m-1"))
	require.NoError(t, err)

	in := subscribeInput("m-1")
	in.ProviderSubscriptionID = "sbx_sub_other"
	_, _, err = svc.Subscribe(ctx, in)
	assert.ErrorIs(t, err, ErrMerchantAlreadySubscribed)
}

func TestSubscribeAllowedAfterTermination(t *testing.T) {
	svc := NewService(newFakeSubRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, subscribeInput("m-1"))
	require.NoError(t, err)
	_, _, err = svc.Terminate(ctx, sub.ID)
	require.NoError(t, err)

	in := subscribeInput("m-1")
	in.ProviderSubscriptionID = "sbx_sub_second"
	_, _, err = svc.Subscribe(ctx, in)
	assert.NoError(t, err)
}

func TestPaymentSuccessActivatesAndResetsDunning(t *testing.T) {
	svc := NewService(newFakeSubRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, subscribeInput("m-1"))
	require.NoError(t, err)

	sub, _, err = svc.RecordPaymentFailure(ctx, sub.ID, "card declined", paid(), "EUR")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.DunningAttempts)

	sub, events, err := svc.RecordPaymentSuccess(ctx, sub.ID, paid(), "EUR", "txn_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 0, sub.DunningAttempts)
	assert.Nil(t, sub.LastPaymentAttemptAt)
	require.Len(t, events, 2)
	assert.Equal(t, EventSubscriptionActivated, events[1].Type)

	history := sub.PaymentHistory()
	require.Len(t, history, 2)
	assert.Equal(t, models.PaymentStatusSuccessful, history[1].Status)
}

func TestPaymentFailureDropsActiveToPastDue(t *testing.T) {
	svc := NewService(newFakeSubRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, subscribeInput("m-1"))
	require.NoError(t, err)
	sub, _, err = svc.RecordPaymentSuccess(ctx, sub.ID, paid(), "EUR", "txn_1")
	require.NoError(t, err)

	sub, events, err := svc.RecordPaymentFailure(ctx, sub.ID, "insufficient funds", paid(), "EUR")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, 1, sub.DunningAttempts)
	require.NotNil(t, sub.LastPaymentAttemptAt)
	require.Len(t, events, 2)
	assert.Equal(t, EventSubscriptionPastDue, events[1].Type)

	// A second failure keeps the status, only the counter moves.
	sub, events, err = svc.RecordPaymentFailure(ctx, sub.ID, "insufficient funds", paid(), "EUR")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, 2, sub.DunningAttempts)
	require.Len(t, events, 1)
}

func TestTransitionTable(t *testing.T) {
	type op func(*Service, context.Context, string) error

	recordSuccess := func(s *Service, ctx context.Context, id string) error {
		_, _, err := s.RecordPaymentSuccess(ctx, id, paid(), "EUR", "txn")
		return err
	}
	recordFailure := func(s *Service, ctx context.Context, id string) error {
		_, _, err := s.RecordPaymentFailure(ctx, id, "r", paid(), "EUR")
		return err
	}
	renew := func(s *Service, ctx context.Context, id string) error {
		now := time.Now().UTC()
		_, _, err := s.Renew(ctx, id, now, now.AddDate(0, 1, 0))
		return err
	}
	changePlan := func(s *Service, ctx context.Context, id string) error {
		_, _, err := s.ChangePlan(ctx, id, "plan-max", decimal.Zero, "")
		return err
	}
	cancel := func(s *Service, ctx context.Context, id string) error {
		_, _, err := s.Cancel(ctx, id)
		return err
	}
	suspend := func(s *Service, ctx context.Context, id string) error {
		_, _, err := s.Suspend(ctx, id)
		return err
	}
	terminate := func(s *Service, ctx context.Context, id string) error {
		_, _, err := s.Terminate(ctx, id)
		return err
	}

	tests := []struct {
		name    string
		from    string
		op      op
		wantErr bool
	}{
		{"success from pending", models.SubscriptionStatusPending, recordSuccess, false},
		{"success from past_due", models.SubscriptionStatusPastDue, recordSuccess, false},
		{"success from suspended", models.SubscriptionStatusSuspended, recordSuccess, false},
		{"success from cancelled", models.SubscriptionStatusCancelled, recordSuccess, true},
		{"success from terminated", models.SubscriptionStatusTerminated, recordSuccess, true},
		{"failure from cancelled", models.SubscriptionStatusCancelled, recordFailure, true},
		{"renew from active", models.SubscriptionStatusActive, renew, false},
		{"renew from past_due", models.SubscriptionStatusPastDue, renew, false},
		{"renew from pending", models.SubscriptionStatusPending, renew, true},
		{"renew from suspended", models.SubscriptionStatusSuspended, renew, true},
		{"plan change from suspended", models.SubscriptionStatusSuspended, changePlan, false},
		{"plan change from terminated", models.SubscriptionStatusTerminated, changePlan, true},
		{"cancel from active", models.SubscriptionStatusActive, cancel, false},
		{"cancel from terminated", models.SubscriptionStatusTerminated, cancel, true},
		{"suspend from past_due", models.SubscriptionStatusPastDue, suspend, false},
		{"suspend from active", models.SubscriptionStatusActive, suspend, true},
		{"suspend from pending", models.SubscriptionStatusPending, suspend, true},
		{"terminate from suspended", models.SubscriptionStatusSuspended, terminate, false},
		{"terminate from cancelled", models.SubscriptionStatusCancelled, terminate, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeSubRepo()
			svc := NewService(repo)
			ctx := context.Background()

			sub, _, err := svc.Subscribe(ctx, subscribeInput("m-1"))
			require.NoError(t, err)
			stored, _ := repo.GetByID(sub.ID)
			stored.Status = tt.from
			require.NoError(t, repo.Save(stored))

			err = tt.op(svc, ctx, sub.ID)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCancelEndDateCoversPaidPeriod(t *testing.T) {
	repo := newFakeSubRepo()
	svc := NewService(repo)
	ctx := context.Background()

	in := subscribeInput("m-1")
	in.PeriodEnd = time.Now().UTC().AddDate(0, 0, 20)
	sub, _, err := svc.Subscribe(ctx, in)
	require.NoError(t, err)

	sub, _, err = svc.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, sub.EndDate)
	assert.WithinDuration(t, in.PeriodEnd, *sub.EndDate, time.Second)

	// Already expired period: entitlement ends now, not in the past.
	in2 := subscribeInput("m-2")
	in2.ProviderSubscriptionID = "sbx_sub_m2"
	in2.PeriodEnd = time.Now().UTC().AddDate(0, 0, -3)
	sub2, _, err := svc.Subscribe(ctx, in2)
	require.NoError(t, err)
	sub2, _, err = svc.Cancel(ctx, sub2.ID)
	require.NoError(t, err)
	require.NotNil(t, sub2.EndDate)
	assert.WithinDuration(t, time.Now().UTC(), *sub2.EndDate, 2*time.Second)
}

func TestTerminateKeepsCancelledSubscriptionIntact(t *testing.T) {
	repo := newFakeSubRepo()
	svc := NewService(repo)
	ctx := context.Background()

	in := subscribeInput("m-1")
	in.PeriodEnd = time.Now().UTC().AddDate(0, 0, 20)
	sub, _, err := svc.Subscribe(ctx, in)
	require.NoError(t, err)

	cancelled, _, err := svc.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, cancelled.EndDate)

	_, _, err = svc.Terminate(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := repo.GetByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCancelled, stored.Status)
	require.NotNil(t, stored.EndDate)
	assert.Equal(t, cancelled.EndDate.Unix(), stored.EndDate.Unix())
}

func TestCancelIsIdempotent(t *testing.T) {
	svc := NewService(newFakeSubRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, subscribeInput("m-1"))
	require.NoError(t, err)

	first, _, err := svc.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	second, events, err := svc.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, events)
	assert.Equal(t, first.EndDate.Unix(), second.EndDate.Unix())
}

func TestMutateRetriesVersionConflict(t *testing.T) {
	repo := newFakeSubRepo()
	svc := NewService(repo)
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, subscribeInput("m-1"))
	require.NoError(t, err)

	repo.mu.Lock()
	repo.conflictsLeft = 2
	repo.mu.Unlock()

	got, _, err := svc.RecordPaymentSuccess(ctx, sub.ID, paid(), "EUR", "txn_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)

	repo.mu.Lock()
	repo.conflictsLeft = 3
	repo.mu.Unlock()

	_, _, err = svc.RecordPaymentFailure(ctx, sub.ID, "r", paid(), "EUR")
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
}

func TestGetByProviderSubscriptionID(t *testing.T) {
	svc := NewService(newFakeSubRepo())
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, subscribeInput("m-1"))
	require.NoError(t, err)

	found, err := svc.GetByProviderSubscriptionID(ctx, models.PaymentProviderSandbox, sub.ProviderSubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, found.ID)

	_, err = svc.GetByProviderSubscriptionID(ctx, models.PaymentProviderSandbox, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
