package repository

import (
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"gorm.io/gorm"
)

// TransactionLogRepository defines the interface for ledger database operations
type TransactionLogRepository interface {
	Create(entry *models.TransactionLog) error
	GetByID(id string) (*models.TransactionLog, error)
	Update(entry *models.TransactionLog) error
	FindByProviderTransactionID(provider, providerTxnID string) (*models.TransactionLog, error)
	FindLatestFailedBySubscription(providerSubscriptionID string) (*models.TransactionLog, error)
	FindAllBySubscription(providerSubscriptionID string) ([]models.TransactionLog, error)
	FindByMerchant(merchantID string, offset, limit int) ([]models.TransactionLog, error)
	Count() (int64, error)
}

// SubscriptionRepository defines the interface for subscription database operations
type SubscriptionRepository interface {
	Create(sub *models.MerchantSubscription) error
	GetByID(id string) (*models.MerchantSubscription, error)
	GetByProviderSubscriptionID(provider, providerSubscriptionID string) (*models.MerchantSubscription, error)
	GetActiveByMerchant(merchantID string) (*models.MerchantSubscription, error)
	// Save persists a read-modify-write with an optimistic version check and
	// returns ErrVersionConflict when a concurrent writer got there first.
	Save(sub *models.MerchantSubscription) error
	FindDueForRenewal(before time.Time, limit int) ([]models.MerchantSubscription, error)
	FindInDunning(limit int) ([]models.MerchantSubscription, error)
	Count() (int64, error)
}

// PlanRepository defines the read-only interface the billing engine has onto
// the plan catalog
type PlanRepository interface {
	GetByID(id string) (*models.SubscriptionPlan, error)
	List() ([]models.SubscriptionPlan, error)
}

// WebhookRepository defines the interface for webhook receipt persistence
type WebhookRepository interface {
	CreateIfNotExists(event *models.ProcessedWebhook) (bool, *models.ProcessedWebhook, error)
	MarkProcessed(id uint, processingError string) error
}

// Repositories holds all repository instances
type Repositories struct {
	TransactionLog TransactionLogRepository
	Subscription   SubscriptionRepository
	Plan           PlanRepository
	Webhook        WebhookRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		TransactionLog: NewTransactionLogRepository(db),
		Subscription:   NewSubscriptionRepository(db),
		Plan:           NewPlanRepository(db),
		Webhook:        NewWebhookRepository(db),
	}
}
