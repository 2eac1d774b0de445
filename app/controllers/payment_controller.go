package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/payments"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

const requestTimeout = 30 * time.Second

var billingService *payments.Service

// InitializeBillingControllers injects the orchestrator into the HTTP layer.
// Must be called during startup before routes are installed.
func InitializeBillingControllers(svc *payments.Service) {
	billingService = svc
}

// ChargeRequest is the POST /api/v1/payments/charge body.
type ChargeRequest struct {
	MerchantID   string `json:"merchant_id" validate:"required,max=36"`
	OrderID      string `json:"order_id" validate:"max=36"`
	Provider     string `json:"provider" validate:"required,oneof=stripe razorpay sandbox"`
	Amount       string `json:"amount" validate:"required"`
	Currency     string `json:"currency" validate:"required,len=3"`
	PaymentToken string `json:"payment_token" validate:"required"`
	Description  string `json:"description" validate:"max=500"`
}

// Validate performs the struct-level validation of the request.
func (r *ChargeRequest) Validate() error {
	v := validator.New()
	return v.Struct(r)
}

// RefundRequest is the POST /api/v1/payments/refund body. Amount empty or
// zero means a full refund.
type RefundRequest struct {
	Provider              string `json:"provider" validate:"required,oneof=stripe razorpay sandbox"`
	ProviderTransactionID string `json:"provider_transaction_id" validate:"required"`
	Amount                string `json:"amount"`
	Reason                string `json:"reason" validate:"max=500"`
}

// Validate performs the struct-level validation of the request.
func (r *RefundRequest) Validate() error {
	v := validator.New()
	return v.Struct(r)
}

// HandleCharge processes a one-time charge.
func HandleCharge(c *fiber.Ctx) error {
	var req ChargeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", err.Error())
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, "validation_failed", err.Error())
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return badRequest(c, "validation_failed", "amount is not a valid decimal")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	outcome, err := billingService.CollectPayment(ctx, payments.ChargeInput{
		MerchantID:   req.MerchantID,
		OrderID:      req.OrderID,
		Provider:     req.Provider,
		Amount:       amount,
		Currency:     req.Currency,
		PaymentToken: req.PaymentToken,
		Description:  req.Description,
	})
	if err != nil {
		return mapBillingError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"transaction_id":          outcome.TransactionID,
		"provider_transaction_id": outcome.ProviderTransactionID,
		"status":                  outcome.Status,
		"message":                 outcome.Message,
	})
}

// HandleRefund refunds a prior charge, fully or partially.
func HandleRefund(c *fiber.Ctx) error {
	var req RefundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", err.Error())
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, "validation_failed", err.Error())
	}

	amount := decimal.Zero
	if req.Amount != "" {
		parsed, err := decimal.NewFromString(req.Amount)
		if err != nil {
			return badRequest(c, "validation_failed", "amount is not a valid decimal")
		}
		amount = parsed
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	outcome, err := billingService.RefundPayment(ctx, payments.RefundInput{
		Provider:              req.Provider,
		ProviderTransactionID: req.ProviderTransactionID,
		Amount:                amount,
		Reason:                req.Reason,
	})
	if err != nil {
		return mapBillingError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"transaction_id":     outcome.TransactionID,
		"provider_refund_id": outcome.ProviderTransactionID,
		"status":             outcome.Status,
		"message":            outcome.Message,
	})
}

func badRequest(c *fiber.Ctx, code, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": code, "message": message})
}

// mapBillingError translates domain errors into HTTP responses without
// leaking provider internals to the caller.
func mapBillingError(c *fiber.Ctx, err error) error {
	var gwErr *gateway.GatewayError

	switch {
	case errors.Is(err, payments.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, gateway.ErrProviderNotSupported):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "provider_not_supported", "message": err.Error()})
	case errors.Is(err, gateway.ErrNotConfigured):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "provider_not_configured"})
	case errors.Is(err, payments.ErrRefundNotAllowed):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "refund_not_allowed", "message": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	case errors.As(err, &gwErr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_error", "provider": gwErr.Provider})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
}
