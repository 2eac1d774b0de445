package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/payments"
	"github.com/gofiber/fiber/v2"
)

const webhookTimeout = 15 * time.Second

// HandleProviderWebhook receives POST /webhooks/:provider. The raw body is
// handed to the verifier untouched; any re-serialization would break the
// signature.
func HandleProviderWebhook(c *fiber.Ctx) error {
	provider := strings.ToLower(c.Params("provider"))
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := webhookSignatureHeader(c, provider)

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	receipt, err := billingService.HandleWebhook(ctx, provider, rawBody, signature)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrProviderNotSupported):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
		case errors.Is(err, payments.ErrWebhookSecretMissing):
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_not_configured"})
		case errors.Is(err, payments.ErrWebhookSignatureInvalid):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
		}
	}

	if receipt.Duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}

func webhookSignatureHeader(c *fiber.Ctx, provider string) string {
	switch provider {
	case models.PaymentProviderStripe:
		return strings.TrimSpace(c.Get("Stripe-Signature"))
	case models.PaymentProviderRazorpay:
		return strings.TrimSpace(c.Get("X-Razorpay-Signature"))
	case models.PaymentProviderSandbox:
		return strings.TrimSpace(c.Get("X-Sandbox-Signature"))
	default:
		return strings.TrimSpace(c.Get("X-Webhook-Signature"))
	}
}
