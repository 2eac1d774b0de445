package repository

import (
	"github.com/ManuelReschke/PayFox/app/models"
	"gorm.io/gorm"
)

// transactionLogRepository implements the TransactionLogRepository interface
type transactionLogRepository struct {
	db *gorm.DB
}

// NewTransactionLogRepository creates a new transaction log repository instance
func NewTransactionLogRepository(db *gorm.DB) TransactionLogRepository {
	return &transactionLogRepository{db: db}
}

// Create inserts a new ledger entry
func (r *transactionLogRepository) Create(entry *models.TransactionLog) error {
	return r.db.Create(entry).Error
}

// GetByID retrieves a ledger entry by its internal id
func (r *transactionLogRepository) GetByID(id string) (*models.TransactionLog, error) {
	var entry models.TransactionLog
	err := r.db.Where("id = ?", id).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Update persists changes to an existing ledger entry
func (r *transactionLogRepository) Update(entry *models.TransactionLog) error {
	return r.db.Save(entry).Error
}

// FindByProviderTransactionID looks up the entry booked for a provider-side
// transaction. This is the idempotency anchor for webhook processing.
func (r *transactionLogRepository) FindByProviderTransactionID(provider, providerTxnID string) (*models.TransactionLog, error) {
	var entry models.TransactionLog
	err := r.db.Where("provider = ? AND provider_transaction_id = ?", provider, providerTxnID).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindLatestFailedBySubscription returns the most recent failed attempt for a
// provider subscription
func (r *transactionLogRepository) FindLatestFailedBySubscription(providerSubscriptionID string) (*models.TransactionLog, error) {
	var entry models.TransactionLog
	err := r.db.Where("provider_subscription_id = ? AND status = ?", providerSubscriptionID, models.PaymentStatusFailed).
		Order("created_at DESC").First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindAllBySubscription returns the chronological attempt history for a
// provider subscription, oldest first
func (r *transactionLogRepository) FindAllBySubscription(providerSubscriptionID string) ([]models.TransactionLog, error) {
	var entries []models.TransactionLog
	err := r.db.Where("provider_subscription_id = ?", providerSubscriptionID).
		Order("created_at ASC").Find(&entries).Error
	return entries, err
}

// FindByMerchant returns a merchant's ledger entries with pagination
func (r *transactionLogRepository) FindByMerchant(merchantID string, offset, limit int) ([]models.TransactionLog, error) {
	var entries []models.TransactionLog
	err := r.db.Where("merchant_id = ?", merchantID).
		Order("created_at DESC").Offset(offset).Limit(limit).Find(&entries).Error
	return entries, err
}

// Count returns the total number of ledger entries
func (r *transactionLogRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.TransactionLog{}).Count(&count).Error
	return count, err
}
