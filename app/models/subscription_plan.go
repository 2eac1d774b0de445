package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanPricing is one price point of a plan for a specific billing cycle.
type PlanPricing struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	PlanID       string          `gorm:"type:varchar(36);not null;index:ux_plan_pricings_plan_cycle,unique,priority:1" json:"plan_id"`
	BillingCycle string          `gorm:"type:varchar(16);not null;index:ux_plan_pricings_plan_cycle,unique,priority:2" json:"billing_cycle"`
	Amount       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency     string          `gorm:"type:char(3);not null" json:"currency"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscriptionPlan is the pricing and entitlement template merchants
// subscribe to. Plans are administered by the catalog service; the billing
// engine only reads them. Invariant: at least one pricing entry.
type SubscriptionPlan struct {
	ID              string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name            string        `gorm:"type:varchar(150);not null" json:"name" validate:"required,min=3,max=150"`
	Type            string        `gorm:"type:varchar(50);not null;default:'standard'" json:"type"`
	Pricings        []PlanPricing `gorm:"foreignKey:PlanID" json:"pricings"`
	FeaturesJSON    string        `gorm:"type:text" json:"features_json,omitempty"`
	UsageLimitsJSON string        `gorm:"type:text" json:"usage_limits_json,omitempty"`
	SupportTier     string        `gorm:"type:varchar(50);default:'standard'" json:"support_tier"`
	IsActive        bool          `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// PriceFor returns the plan's price for the given billing cycle. The second
// return value is false when the plan has no pricing for that cycle, which
// callers must treat as a catalog misconfiguration rather than a zero price.
func (p *SubscriptionPlan) PriceFor(cycle string) (decimal.Decimal, bool) {
	pricing, ok := p.PricingFor(cycle)
	if !ok {
		return decimal.Zero, false
	}
	return pricing.Amount, true
}

// PricingFor returns the full pricing entry for the given billing cycle.
func (p *SubscriptionPlan) PricingFor(cycle string) (*PlanPricing, bool) {
	for i := range p.Pricings {
		if p.Pricings[i].BillingCycle == cycle {
			return &p.Pricings[i], true
		}
	}
	return nil, false
}
