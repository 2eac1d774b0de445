package proration

import (
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

// Proration policies. Prorated and full-credit compute the identical signed
// amount; both exist because merchant contracts name them separately.
const (
	PolicyProrated   = "prorated"
	PolicyFullCredit = "full_credit"
	PolicyNoCredit   = "no_credit"
)

// Calculate computes the one-time signed amount owed when a subscription
// moves from oldPlan to newPlan at changeDate. Positive means an additional
// charge is due, negative means a credit. Both plans are priced at the
// subscription's existing billing cycle.
//
// The result is zero when changeDate falls outside the current period, when
// either plan has no price for the cycle (a catalog misconfiguration, logged
// rather than guessed around) or when the two prices are equal.
func Calculate(sub *models.MerchantSubscription, oldPlan, newPlan *models.SubscriptionPlan, changeDate time.Time, policy string) decimal.Decimal {
	periodStart := sub.CurrentPeriodStart
	periodEnd := sub.CurrentPeriodEnd

	if changeDate.Before(periodStart) || !changeDate.Before(periodEnd) {
		return decimal.Zero
	}

	oldPrice, ok := oldPlan.PriceFor(sub.BillingCycle)
	if !ok {
		log.Warnf("[Proration] plan %s has no %s pricing, returning zero", oldPlan.ID, sub.BillingCycle)
		return decimal.Zero
	}
	newPrice, ok := newPlan.PriceFor(sub.BillingCycle)
	if !ok {
		log.Warnf("[Proration] plan %s has no %s pricing, returning zero", newPlan.ID, sub.BillingCycle)
		return decimal.Zero
	}
	if oldPrice.Equal(newPrice) {
		return decimal.Zero
	}

	periodSeconds := decimal.NewFromInt(int64(periodEnd.Sub(periodStart) / time.Second))
	remainingSeconds := decimal.NewFromInt(int64(periodEnd.Sub(changeDate) / time.Second))
	if periodSeconds.IsZero() {
		return decimal.Zero
	}
	remainingFraction := remainingSeconds.Div(periodSeconds)

	diff := newPrice.Sub(oldPrice)
	if policy == PolicyNoCredit && diff.IsNegative() {
		// downgrades get no refund for unused time, the lower price simply
		// takes effect next cycle
		return decimal.Zero
	}

	return remainingFraction.Mul(diff).Round(2)
}
