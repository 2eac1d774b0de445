package controllers

import (
	"context"
	"errors"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/payments"
	"github.com/ManuelReschke/PayFox/internal/pkg/subscription"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// SubscribeRequest is the POST /api/v1/subscriptions body.
type SubscribeRequest struct {
	MerchantID         string `json:"merchant_id" validate:"required,max=36"`
	PlanID             string `json:"plan_id" validate:"required,max=36"`
	BillingCycle       string `json:"billing_cycle" validate:"required,oneof=monthly annual"`
	Provider           string `json:"provider" validate:"required,oneof=stripe razorpay sandbox"`
	PaymentToken       string `json:"payment_token" validate:"required"`
	ContactEmail       string `json:"contact_email" validate:"omitempty,email"`
	BillingAddressJSON string `json:"billing_address_json"`
}

// Validate performs the struct-level validation of the request.
func (r *SubscribeRequest) Validate() error {
	v := validator.New()
	return v.Struct(r)
}

// ChangePlanRequest is the POST /api/v1/subscriptions/:id/change-plan body.
type ChangePlanRequest struct {
	NewPlanID       string `json:"new_plan_id" validate:"required,max=36"`
	NewBillingCycle string `json:"new_billing_cycle" validate:"omitempty,oneof=monthly annual"`
	ProrationPolicy string `json:"proration_policy" validate:"omitempty,oneof=prorated full_credit no_credit"`
}

// Validate performs the struct-level validation of the request.
func (r *ChangePlanRequest) Validate() error {
	v := validator.New()
	return v.Struct(r)
}

// HandleSubscribe starts a recurring billing relationship.
func HandleSubscribe(c *fiber.Ctx) error {
	var req SubscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", err.Error())
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, "validation_failed", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sub, err := billingService.Subscribe(ctx, payments.SubscribeInput{
		MerchantID:         req.MerchantID,
		PlanID:             req.PlanID,
		BillingCycle:       req.BillingCycle,
		Provider:           req.Provider,
		PaymentToken:       req.PaymentToken,
		ContactEmail:       req.ContactEmail,
		BillingAddressJSON: req.BillingAddressJSON,
	})
	if err != nil {
		if errors.Is(err, subscription.ErrMerchantAlreadySubscribed) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_subscribed"})
		}
		return mapBillingError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(subscriptionResponse(sub))
}

// HandleGetSubscription returns one subscription.
func HandleGetSubscription(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sub, err := billingService.GetSubscription(ctx, c.Params("id"))
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		return mapBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(subscriptionResponse(sub))
}

// HandleChangePlan moves a subscription to another plan, charging any
// prorated difference immediately.
func HandleChangePlan(c *fiber.Ctx) error {
	var req ChangePlanRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", err.Error())
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, "validation_failed", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sub, adjustment, err := billingService.ChangePlan(ctx, payments.ChangePlanInput{
		SubscriptionID:  c.Params("id"),
		NewPlanID:       req.NewPlanID,
		NewBillingCycle: req.NewBillingCycle,
		ProrationPolicy: req.ProrationPolicy,
	})
	if err != nil {
		return mapSubscriptionError(c, err)
	}

	resp := subscriptionResponse(sub)
	resp["proration_adjustment"] = adjustment.StringFixed(2)
	return c.Status(fiber.StatusOK).JSON(resp)
}

// HandleCancelSubscription cancels a subscription. Entitlement runs until the
// end of the already-paid period.
func HandleCancelSubscription(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sub, err := billingService.CancelSubscription(ctx, c.Params("id"))
	if err != nil {
		return mapSubscriptionError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(subscriptionResponse(sub))
}

func mapSubscriptionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	case errors.Is(err, subscription.ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_state", "message": err.Error()})
	default:
		return mapBillingError(c, err)
	}
}

func subscriptionResponse(sub *models.MerchantSubscription) fiber.Map {
	resp := fiber.Map{
		"id":                   sub.ID,
		"merchant_id":          sub.MerchantID,
		"plan_id":              sub.PlanID,
		"status":               sub.Status,
		"billing_cycle":        sub.BillingCycle,
		"provider":             sub.Provider,
		"current_period_start": sub.CurrentPeriodStart,
		"current_period_end":   sub.CurrentPeriodEnd,
		"dunning_attempts":     sub.DunningAttempts,
	}
	if sub.EndDate != nil {
		resp["end_date"] = sub.EndDate
	}
	return resp
}
