package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newLogID() string {
	return uuid.NewString()
}

// ErrNotFound is returned when no ledger entry matches the lookup.
var ErrNotFound = errors.New("transaction log entry not found")

// Service is the append/update log of every payment attempt. It exclusively
// owns TransactionLog rows.
type Service struct {
	repo repository.TransactionLogRepository
}

// NewService creates a ledger service from an injected repository.
func NewService(repo repository.TransactionLogRepository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a ledger service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(repository.NewTransactionLogRepository(db))
}

// CreateLog inserts a pending entry before any provider call is made.
func (s *Service) CreateLog(ctx context.Context, entry *models.TransactionLog) (*models.TransactionLog, error) {
	_ = ctx
	if entry.MerchantID == "" || entry.Provider == "" {
		return nil, errors.New("merchant_id and provider are required")
	}
	if entry.Amount.IsNegative() || entry.Amount.IsZero() {
		return nil, errors.New("amount must be positive")
	}
	if len(strings.TrimSpace(entry.Currency)) != 3 {
		return nil, errors.New("currency must be an ISO 4217 code")
	}
	if entry.ID == "" {
		entry.ID = newLogID()
	}
	entry.Status = models.PaymentStatusPending
	if err := s.repo.Create(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateStatus moves an entry to the given status and attaches the provider
// transaction id once it is known. Re-asserting successful on an entry that
// is already successful is a no-op (duplicate webhook); same for refunded.
// All other transitions are accepted as given because providers are the
// source of truth for terminal payment state.
func (s *Service) UpdateStatus(ctx context.Context, id, status, providerTxnID, rawResponse, errorMessage string) (*models.TransactionLog, error) {
	_ = ctx
	entry, err := s.repo.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if entry.Status == status &&
		(status == models.PaymentStatusSuccessful || status == models.PaymentStatusRefunded) {
		return entry, nil
	}

	entry.Status = status
	if providerTxnID != "" {
		entry.ProviderTransactionID = providerTxnID
	}
	if rawResponse != "" {
		entry.RawResponseJSON = rawResponse
	}
	entry.ErrorMessage = errorMessage
	if err := s.repo.Update(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// FindByProviderTransactionID is the idempotency anchor: every webhook does
// this lookup before creating a new row, so the same provider event
// delivered more than once never double-books.
func (s *Service) FindByProviderTransactionID(ctx context.Context, provider, providerTxnID string) (*models.TransactionLog, error) {
	_ = ctx
	if provider == "" || providerTxnID == "" {
		return nil, ErrNotFound
	}
	entry, err := s.repo.FindByProviderTransactionID(provider, providerTxnID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

// FindLatestFailedBySubscription returns the most recent failed attempt for
// a provider subscription.
func (s *Service) FindLatestFailedBySubscription(ctx context.Context, providerSubscriptionID string) (*models.TransactionLog, error) {
	_ = ctx
	entry, err := s.repo.FindLatestFailedBySubscription(providerSubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

// FindAllBySubscription returns the chronological attempt history for a
// provider subscription, oldest first.
func (s *Service) FindAllBySubscription(ctx context.Context, providerSubscriptionID string) ([]models.TransactionLog, error) {
	_ = ctx
	return s.repo.FindAllBySubscription(providerSubscriptionID)
}

// CountConsecutiveFailures walks the subscription's attempt history from the
// newest entry backwards and counts failed recurring attempts since the last
// success. The subscription's own dunning counter is only a cache of this
// value; the ledger is authoritative for the final-action decision.
func (s *Service) CountConsecutiveFailures(ctx context.Context, providerSubscriptionID string) (int, error) {
	history, err := s.FindAllBySubscription(ctx, providerSubscriptionID)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]
		if !entry.IsRecurringAttempt() {
			continue
		}
		switch entry.Status {
		case models.PaymentStatusFailed:
			count++
		case models.PaymentStatusSuccessful:
			return count, nil
		}
	}
	return count, nil
}
