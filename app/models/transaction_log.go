package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment providers supported by the gateway layer.
const (
	PaymentProviderStripe   = "stripe"
	PaymentProviderRazorpay = "razorpay"
	PaymentProviderSandbox  = "sandbox"
)

// PaymentStatus is the provider-neutral outcome of a payment attempt.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusSuccessful = "successful"
	PaymentStatusFailed     = "failed"
	PaymentStatusRefunded   = "refunded"
)

// TransactionType classifies what kind of attempt a ledger entry records.
const (
	TransactionTypeSale             = "sale"
	TransactionTypeRefund           = "refund"
	TransactionTypeRecurringInitial = "recurring_initial"
	TransactionTypeRecurringRenewal = "recurring_renewal"
	TransactionTypeRecurringRetry   = "recurring_retry"
	TransactionTypeCharge           = "charge"
)

// TransactionLog is one immutable record per payment attempt (sale, refund,
// renewal, dunning retry). Entries are created pending before the provider
// call and moved to a terminal status exactly once; they are never deleted
// because they double as the audit trail and the dunning attempt counter
// source.
type TransactionLog struct {
	ID                     string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	MerchantID             string          `gorm:"type:varchar(36);not null;index" json:"merchant_id"`
	OrderID                string          `gorm:"type:varchar(36);default:'';index" json:"order_id,omitempty"`
	ProviderSubscriptionID string          `gorm:"type:varchar(191);default:'';index" json:"provider_subscription_id,omitempty"`
	ProviderTransactionID  string          `gorm:"type:varchar(191);default:'';index:ux_transaction_logs_provider_txn,unique,priority:2" json:"provider_transaction_id,omitempty"`
	Provider               string          `gorm:"type:varchar(20);not null;index:ux_transaction_logs_provider_txn,unique,priority:1" json:"provider"`
	Amount                 decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency               string          `gorm:"type:char(3);not null" json:"currency"`
	Status                 string          `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Type                   string          `gorm:"type:varchar(24);not null;index" json:"type"`
	ErrorMessage           string          `gorm:"type:text" json:"error_message,omitempty"`
	RawResponseJSON        string          `gorm:"type:longtext" json:"raw_response_json,omitempty"`
	CreatedAt              time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the entry has reached a final payment status.
func (t *TransactionLog) IsTerminal() bool {
	return t.Status != PaymentStatusPending
}

// IsRecurringAttempt reports whether the entry belongs to the recurring
// billing family (initial charge, renewal or dunning retry).
func (t *TransactionLog) IsRecurringAttempt() bool {
	switch t.Type {
	case TransactionTypeRecurringInitial, TransactionTypeRecurringRenewal, TransactionTypeRecurringRetry:
		return true
	default:
		return false
	}
}
