package dunning

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/subscription"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type memLogRepo struct {
	mu      sync.Mutex
	entries map[string]*models.TransactionLog
	seq     int
}

func newMemLogRepo() *memLogRepo {
	return &memLogRepo{entries: make(map[string]*models.TransactionLog)}
}

func (r *memLogRepo) Create(entry *models.TransactionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().Add(time.Duration(r.seq) * time.Millisecond)
	}
	copied := *entry
	r.entries[entry.ID] = &copied
	return nil
}

func (r *memLogRepo) GetByID(id string) (*models.TransactionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *entry
	return &copied, nil
}

func (r *memLogRepo) Update(entry *models.TransactionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.entries[entry.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	createdAt := stored.CreatedAt
	copied := *entry
	copied.CreatedAt = createdAt
	r.entries[entry.ID] = &copied
	return nil
}

func (r *memLogRepo) FindByProviderTransactionID(provider, providerTxnID string) (*models.TransactionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.Provider == provider && entry.ProviderTransactionID == providerTxnID {
			copied := *entry
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memLogRepo) FindLatestFailedBySubscription(providerSubscriptionID string) (*models.TransactionLog, error) {
	all, _ := r.FindAllBySubscription(providerSubscriptionID)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status == models.PaymentStatusFailed {
			return &all[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memLogRepo) FindAllBySubscription(providerSubscriptionID string) ([]models.TransactionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TransactionLog
	for _, entry := range r.entries {
		if entry.ProviderSubscriptionID == providerSubscriptionID {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memLogRepo) FindByMerchant(merchantID string, offset, limit int) ([]models.TransactionLog, error) {
	return nil, nil
}

func (r *memLogRepo) Count() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.entries)), nil
}

type memSubRepo struct {
	mu   sync.Mutex
	subs map[string]*models.MerchantSubscription
}

func newMemSubRepo() *memSubRepo {
	return &memSubRepo{subs: make(map[string]*models.MerchantSubscription)}
}

func (r *memSubRepo) Create(sub *models.MerchantSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *sub
	r.subs[sub.ID] = &copied
	return nil
}

func (r *memSubRepo) GetByID(id string) (*models.MerchantSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *sub
	return &copied, nil
}

func (r *memSubRepo) GetByProviderSubscriptionID(provider, providerSubscriptionID string) (*models.MerchantSubscription, error) {
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

func (r *memSubRepo) GetActiveByMerchant(merchantID string) (*models.MerchantSubscription, error) {
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

func (r *memSubRepo) Save(sub *models.MerchantSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	sub.Version++
	copied := *sub
	r.subs[sub.ID] = &copied
	return nil
}

func (r *memSubRepo) FindDueForRenewal(before time.Time, limit int) ([]models.MerchantSubscription, error) {
	return nil, nil
}

func (r *memSubRepo) FindInDunning(limit int) ([]models.MerchantSubscription, error) {
	return nil, nil
}

func (r *memSubRepo) Count() (int64, error) {
	return 0, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []subscription.Event
}

func (s *captureSink) Publish(ctx context.Context, event subscription.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	engine  *Engine
	sandbox *gateway.SandboxGateway
	logRepo *memLogRepo
	subRepo *memSubRepo
	subs    *subscription.Service
	ledger  *ledger.Service
	sink    *captureSink
	sub     *models.MerchantSubscription
}

func newFixture(t *testing.T, status, paymentToken string) *fixture {
	t.Helper()

	logRepo := newMemLogRepo()
	subRepo := newMemSubRepo()
	ledgerSvc := ledger.NewService(logRepo)
	subs := subscription.NewService(subRepo)
	sandbox := gateway.NewSandboxGateway()
	gateways := gateway.NewFactory(gateway.Config{})
	gateways.Register(models.PaymentProviderSandbox, sandbox)
	sink := &captureSink{}

	now := time.Now().UTC()
	sub := &models.MerchantSubscription{
		ID:                     "sub-local-1",
		MerchantID:             "m-1",
		PlanID:                 "plan-pro",
		Status:                 status,
		BillingCycle:           models.BillingCycleMonthly,
		StartDate:              now.AddDate(0, -2, 0),
		CurrentPeriodStart:     now.AddDate(0, -1, 0),
		CurrentPeriodEnd:       now,
		Provider:               models.PaymentProviderSandbox,
		ProviderSubscriptionID: "sbx_sub_1",
		PaymentToken:           paymentToken,
		ContactEmail:           "",
	}
	require.NoError(t, subRepo.Create(sub))

	return &fixture{
		engine:  NewEngine(ledgerSvc, subs, gateways, sink),
		sandbox: sandbox,
		logRepo: logRepo,
		subRepo: subRepo,
		subs:    subs,
		ledger:  ledgerSvc,
		sink:    sink,
		sub:     sub,
	}
}

// addFailure plants a failed recurring attempt with the given age.
func (f *fixture) addFailure(t *testing.T, age time.Duration) *models.TransactionLog {
	t.Helper()
	entry := &models.TransactionLog{
		ID:                     "log-" + time.Now().Add(-age).Format("20060102150405.000000000"),
		MerchantID:             "m-1",
		Provider:               models.PaymentProviderSandbox,
		ProviderSubscriptionID: "sbx_sub_1",
		Amount:                 decimal.RequireFromString("30.00"),
		Currency:               "EUR",
		Status:                 models.PaymentStatusFailed,
		Type:                   models.TransactionTypeRecurringRenewal,
		CreatedAt:              time.Now().Add(-age),
	}
	require.NoError(t, f.logRepo.Create(entry))
	return entry
}

func defaultParams() Params {
	return Params{
		MaxRetries:         3,
		RetryIntervalsDays: []int{3, 5, 7},
		NotifyCustomer:     false,
		FinalAction:        FinalActionMarkUnpaid,
	}
}

func TestExecuteNoFailuresIsNoOp(t *testing.T) {
	f := newFixture(t, models.SubscriptionStatusActive, "tok_visa")

	err := f.engine.Execute(context.Background(), "sbx_sub_1", models.PaymentProviderSandbox, defaultParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, f.sandbox.CallCount("process_payment"))
}

func TestExecuteDefersUntilIntervalElapsed(t *testing.T) {
	f := newFixture(t, models.SubscriptionStatusPastDue, "tok_visa")
	last := f.addFailure(t, 24*time.Hour)

	// One failure, next interval is 5 days, only one day has passed.
	err := f.engine.Execute(context.Background(), "sbx_sub_1", models.PaymentProviderSandbox, defaultParams(), last)
	require.NoError(t, err)
	assert.Equal(t, 0, f.sandbox.CallCount("process_payment"))

	sub, _ := f.subRepo.GetByID("sub-local-1")
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
}

func TestExecuteRetriesAndRecovers(t *testing.T) {
	f := newFixture(t, models.SubscriptionStatusPastDue, "tok_visa")
	last := f.addFailure(t, 6*24*time.Hour)

	err := f.engine.Execute(context.Background(), "sbx_sub_1", models.PaymentProviderSandbox, defaultParams(), last)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sandbox.CallCount("process_payment"))

	sub, _ := f.subRepo.GetByID("sub-local-1")
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 0, sub.DunningAttempts)

	// The retry attempt itself landed in the ledger.
	history, err := f.ledger.FindAllBySubscription(context.Background(), "sbx_sub_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.TransactionTypeRecurringRetry, history[1].Type)
	assert.Equal(t, models.PaymentStatusSuccessful, history[1].Status)

	// Consecutive failure count reset by the success.
	count, err := f.ledger.CountConsecutiveFailures(context.Background(), "sbx_sub_1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestExecuteFailedRetryIncrementsAndEventuallySuspends(t *testing.T) {
	f := newFixture(t, models.SubscriptionStatusPastDue, gateway.SandboxTokenDeclined)
	last := f.addFailure(t, 6*24*time.Hour)

	params := defaultParams()
	params.MaxRetries = 2

	// failures=1, retry due, the retry declines: failures+1 reaches the cap
	// and the subscription is parked.
	err := f.engine.Execute(context.Background(), "sbx_sub_1", models.PaymentProviderSandbox, params, last)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sandbox.CallCount("process_payment"))

	sub, _ := f.subRepo.GetByID("sub-local-1")
	assert.Equal(t, models.SubscriptionStatusSuspended, sub.Status)
	assert.Equal(t, 1, sub.DunningAttempts)
}

func TestExecuteFinalActionMarkUnpaid(t *testing.T) {
	f := newFixture(t, models.SubscriptionStatusPastDue, "tok_visa")
	for i := 0; i < 3; i++ {
		f.addFailure(t, time.Duration(10-i)*24*time.Hour)
	}

	err := f.engine.Execute(context.Background(), "sbx_sub_1", models.PaymentProviderSandbox, defaultParams(), nil)
	require.NoError(t, err)
	// Exhausted campaigns do not charge again.
	assert.Equal(t, 0, f.sandbox.CallCount("process_payment"))

	sub, _ := f.subRepo.GetByID("sub-local-1")
	assert.Equal(t, models.SubscriptionStatusSuspended, sub.Status)
}

func TestExecuteFinalActionMarkUnpaidFromActive(t *testing.T) {
	// Ledger shows an exhausted campaign but the subscription row never left
	// active (crash between ledger write and subscription update). The
	// campaign must still conclude.
	f := newFixture(t, models.SubscriptionStatusActive, "tok_visa")
	for i := 0; i < 3; i++ {
		f.addFailure(t, time.Duration(10-i)*24*time.Hour)
	}

	err := f.engine.Execute(context.Background(), "sbx_sub_1", models.PaymentProviderSandbox, defaultParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, f.sandbox.CallCount("process_payment"))

	sub, _ := f.subRepo.GetByID("sub-local-1")
	assert.Equal(t, models.SubscriptionStatusSuspended, sub.Status)

	// Re-running stays inert once the subscription left the campaign.
	require.NoError(t, f.engine.Execute(context.Background(), "sbx_sub_1", models.PaymentProviderSandbox, defaultParams(), nil))
	sub, _ = f.subRepo.GetByID("sub-local-1")
	assert.Equal(t, models.SubscriptionStatusSuspended, sub.Status)
}

func TestExecuteFinalActionCancelSubscription(t *testing.T) {
	f := newFixture(t, models.SubscriptionStatusPastDue, "tok_visa")

	// Register the provider-side subscription so the cancel call resolves.
	created, err := f.sandbox.CreateRecurringPayment(context.Background(), gateway.RecurringRequest{
		MerchantID: "m-1", PlanID: "plan-pro",
		Amount: decimal.RequireFromString("30.00"), Currency: "EUR",
		BillingCycle: models.BillingCycleMonthly, PaymentToken: "tok_visa",
	})
	require.NoError(t, err)
	f.subRepo.mu.Lock()
	f.subRepo.subs["sub-local-1"].ProviderSubscriptionID = created.ProviderSubscriptionID
	f.subRepo.mu.Unlock()
	for i := 0; i < 3; i++ {
		entry := f.addFailure(t, time.Duration(20-i)*24*time.Hour)
		entry.ProviderSubscriptionID = created.ProviderSubscriptionID
		require.NoError(t, f.logRepo.Update(entry))
	}

	params := defaultParams()
	params.FinalAction = FinalActionCancelSubscription

	err = f.engine.Execute(context.Background(), created.ProviderSubscriptionID, models.PaymentProviderSandbox, params, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sandbox.CallCount("cancel_recurring_payment"))

	sub, _ := f.subRepo.GetByID("sub-local-1")
	assert.Equal(t, models.SubscriptionStatusCancelled, sub.Status)
	require.NotNil(t, sub.EndDate)
}

func TestExecuteFinalActionFiresOnce(t *testing.T) {
	f := newFixture(t, models.SubscriptionStatusPastDue, "tok_visa")
	for i := 0; i < 3; i++ {
		f.addFailure(t, time.Duration(10-i)*24*time.Hour)
	}
	ctx := context.Background()

	require.NoError(t, f.engine.Execute(ctx, "sbx_sub_1", models.PaymentProviderSandbox, defaultParams(), nil))
	firstEvents := len(f.sink.events)

	// A suspended subscription left the campaign; re-running must be inert.
	require.NoError(t, f.engine.Execute(ctx, "sbx_sub_1", models.PaymentProviderSandbox, defaultParams(), nil))
	assert.Equal(t, firstEvents, len(f.sink.events))
	assert.Equal(t, 0, f.sandbox.CallCount("process_payment"))
}

func TestDefaultParamsFromEnvFallbacks(t *testing.T) {
	params := DefaultParamsFromEnv()
	assert.Equal(t, 3, params.MaxRetries)
	assert.Equal(t, []int{3, 5, 7}, params.RetryIntervalsDays)
	assert.True(t, params.NotifyCustomer)
	assert.Equal(t, FinalActionMarkUnpaid, params.FinalAction)
}
