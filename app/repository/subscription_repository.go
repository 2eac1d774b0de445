package repository

import (
	"errors"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"gorm.io/gorm"
)

// ErrVersionConflict is returned by Save when the row was modified by a
// concurrent writer between read and write.
var ErrVersionConflict = errors.New("subscription was modified concurrently")

// subscriptionRepository implements the SubscriptionRepository interface
type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository instance
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

// Create inserts a new subscription
func (r *subscriptionRepository) Create(sub *models.MerchantSubscription) error {
	return r.db.Create(sub).Error
}

// GetByID retrieves a subscription by its internal id
func (r *subscriptionRepository) GetByID(id string) (*models.MerchantSubscription, error) {
	var sub models.MerchantSubscription
	err := r.db.Where("id = ?", id).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetByProviderSubscriptionID resolves a provider-side subscription id to the
// local aggregate
func (r *subscriptionRepository) GetByProviderSubscriptionID(provider, providerSubscriptionID string) (*models.MerchantSubscription, error) {
	var sub models.MerchantSubscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetActiveByMerchant returns the merchant's current non-terminal
// subscription, if any. At most one exists at a time.
func (r *subscriptionRepository) GetActiveByMerchant(merchantID string) (*models.MerchantSubscription, error) {
	var sub models.MerchantSubscription
	err := r.db.Where("merchant_id = ? AND status NOT IN ?", merchantID,
		[]string{models.SubscriptionStatusCancelled, models.SubscriptionStatusTerminated}).
		Order("created_at DESC").First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Save writes back a mutated subscription guarded by the version column.
func (r *subscriptionRepository) Save(sub *models.MerchantSubscription) error {
	currentVersion := sub.Version
	sub.Version++
	tx := r.db.Model(&models.MerchantSubscription{}).
		Where("id = ? AND version = ?", sub.ID, currentVersion).
		Select("*").Omit("id", "created_at").Updates(sub)
	if tx.Error != nil {
		sub.Version = currentVersion
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		sub.Version = currentVersion
		return ErrVersionConflict
	}
	return nil
}

// FindDueForRenewal lists active or past-due subscriptions whose billing
// period ends before the given time
func (r *subscriptionRepository) FindDueForRenewal(before time.Time, limit int) ([]models.MerchantSubscription, error) {
	var subs []models.MerchantSubscription
	err := r.db.Where("current_period_end <= ? AND status IN ?", before,
		[]string{models.SubscriptionStatusActive, models.SubscriptionStatusPastDue}).
		Order("current_period_end ASC").Limit(limit).Find(&subs).Error
	return subs, err
}

// FindInDunning lists subscriptions eligible for a dunning sweep
func (r *subscriptionRepository) FindInDunning(limit int) ([]models.MerchantSubscription, error) {
	var subs []models.MerchantSubscription
	err := r.db.Where("status = ?", models.SubscriptionStatusPastDue).
		Order("last_payment_attempt_at ASC").Limit(limit).Find(&subs).Error
	return subs, err
}

// Count returns the total number of subscriptions
func (r *subscriptionRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.MerchantSubscription{}).Count(&count).Error
	return count, err
}
