package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPaymentHistoryRoundTrip(t *testing.T) {
	sub := &MerchantSubscription{}

	if got := sub.PaymentHistory(); got != nil {
		t.Fatalf("empty history = %v, want nil", got)
	}

	sub.AppendPaymentRecord(PaymentRecord{
		Amount:     decimal.RequireFromString("30.00"),
		Currency:   "EUR",
		Status:     PaymentStatusSuccessful,
		RecordedAt: time.Now().UTC(),
	})
	sub.AppendPaymentRecord(PaymentRecord{
		Amount:     decimal.RequireFromString("30.00"),
		Currency:   "EUR",
		Status:     PaymentStatusFailed,
		Reason:     "card declined",
		RecordedAt: time.Now().UTC(),
	})

	history := sub.PaymentHistory()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].Reason != "card declined" {
		t.Fatalf("reason = %q", history[1].Reason)
	}
}

func TestPaymentHistoryBrokenJSON(t *testing.T) {
	sub := &MerchantSubscription{PaymentHistoryJSON: "{not json"}
	if got := sub.PaymentHistory(); got != nil {
		t.Fatalf("broken history = %v, want nil", got)
	}
}

func TestSubscriptionIsTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{SubscriptionStatusPending, false},
		{SubscriptionStatusActive, false},
		{SubscriptionStatusPastDue, false},
		{SubscriptionStatusSuspended, false},
		{SubscriptionStatusCancelled, true},
		{SubscriptionStatusTerminated, true},
	}
	for _, tt := range tests {
		sub := &MerchantSubscription{Status: tt.status}
		if got := sub.IsTerminal(); got != tt.want {
			t.Fatalf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPlanPriceFor(t *testing.T) {
	plan := &SubscriptionPlan{
		ID: "plan-pro",
		Pricings: []PlanPricing{
			{PlanID: "plan-pro", BillingCycle: BillingCycleMonthly, Amount: decimal.RequireFromString("60.00"), Currency: "EUR"},
			{PlanID: "plan-pro", BillingCycle: BillingCycleAnnual, Amount: decimal.RequireFromString("600.00"), Currency: "EUR"},
		},
	}

	monthly, ok := plan.PriceFor(BillingCycleMonthly)
	if !ok || !monthly.Equal(decimal.RequireFromString("60.00")) {
		t.Fatalf("PriceFor(monthly) = %s, %v", monthly, ok)
	}
	if _, ok := plan.PriceFor("weekly"); ok {
		t.Fatal("expected no pricing for unknown cycle")
	}

	pricing, ok := plan.PricingFor(BillingCycleAnnual)
	if !ok || pricing.Currency != "EUR" {
		t.Fatalf("PricingFor(annual) = %+v, %v", pricing, ok)
	}
}

func TestTransactionLogClassification(t *testing.T) {
	entry := &TransactionLog{Status: PaymentStatusPending, Type: TransactionTypeRecurringRetry}
	if entry.IsTerminal() {
		t.Fatal("pending entry must not be terminal")
	}
	if !entry.IsRecurringAttempt() {
		t.Fatal("recurring_retry must count as recurring attempt")
	}

	entry = &TransactionLog{Status: PaymentStatusRefunded, Type: TransactionTypeSale}
	if !entry.IsTerminal() {
		t.Fatal("refunded entry must be terminal")
	}
	if entry.IsRecurringAttempt() {
		t.Fatal("sale must not count as recurring attempt")
	}
}
