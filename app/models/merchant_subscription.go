package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Subscription lifecycle states. Cancelled and terminated are terminal.
const (
	SubscriptionStatusPending    = "pending"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusSuspended  = "suspended"
	SubscriptionStatusCancelled  = "cancelled"
	SubscriptionStatusTerminated = "terminated"
)

// Billing cycles supported by plan pricing.
const (
	BillingCycleMonthly = "monthly"
	BillingCycleAnnual  = "annual"
)

// PaymentRecord is one summarized outcome in a subscription's payment history.
type PaymentRecord struct {
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                string          `json:"status"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
	Reason                string          `json:"reason,omitempty"`
	RecordedAt            time.Time       `json:"recorded_at"`
}

// MerchantSubscription is the authoritative billing relationship between a
// merchant and a plan. Status transitions are owned exclusively by the
// subscription state machine; other components read state and call the
// exposed transition operations. Rows are never deleted, they end in a
// terminal status.
type MerchantSubscription struct {
	ID                     string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	MerchantID             string     `gorm:"type:varchar(36);not null;index" json:"merchant_id"`
	PlanID                 string     `gorm:"type:varchar(36);not null;index" json:"plan_id"`
	Status                 string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	BillingCycle           string     `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_cycle"`
	StartDate              time.Time  `gorm:"type:timestamp;not null" json:"start_date"`
	EndDate                *time.Time `gorm:"type:timestamp;default:null" json:"end_date,omitempty"`
	CurrentPeriodStart     time.Time  `gorm:"type:timestamp;not null" json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `gorm:"type:timestamp;not null;index" json:"current_period_end"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_merchant_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);default:'';index:ux_merchant_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id,omitempty"`
	PaymentToken           string     `gorm:"type:varchar(191);not null" json:"-"`
	ContactEmail           string     `gorm:"type:varchar(200);default:''" json:"contact_email,omitempty"`
	BillingAddressJSON     string     `gorm:"type:text" json:"billing_address_json,omitempty"`
	PaymentHistoryJSON     string     `gorm:"type:longtext" json:"payment_history_json,omitempty"`
	DunningAttempts        int        `gorm:"not null;default:0" json:"dunning_attempts"`
	LastPaymentAttemptAt   *time.Time `gorm:"type:timestamp;default:null" json:"last_payment_attempt_at,omitempty"`
	Version                int        `gorm:"not null;default:0" json:"-"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether no further lifecycle transitions are allowed.
func (s *MerchantSubscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCancelled || s.Status == SubscriptionStatusTerminated
}

// PaymentHistory decodes the stored outcome summaries. A broken or empty
// payload yields an empty history rather than an error; the ledger is the
// authoritative record, this list is a convenience view.
func (s *MerchantSubscription) PaymentHistory() []PaymentRecord {
	if s.PaymentHistoryJSON == "" {
		return nil
	}
	var history []PaymentRecord
	if err := json.Unmarshal([]byte(s.PaymentHistoryJSON), &history); err != nil {
		return nil
	}
	return history
}

// AppendPaymentRecord re-encodes the history with one more entry.
func (s *MerchantSubscription) AppendPaymentRecord(rec PaymentRecord) {
	history := append(s.PaymentHistory(), rec)
	raw, err := json.Marshal(history)
	if err != nil {
		return
	}
	s.PaymentHistoryJSON = string(raw)
}

// ValidBillingCycle reports whether the given cycle is one we can price.
func ValidBillingCycle(cycle string) bool {
	return cycle == BillingCycleMonthly || cycle == BillingCycleAnnual
}
