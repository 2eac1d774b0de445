package router

import (
	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/constants"
	"github.com/gofiber/fiber/v2"
)

type WebhookRouter struct {
}

// InstallRouter registers the provider callback endpoint. No API key here:
// webhooks authenticate via their payload signature, and rate limiting would
// punish legitimate provider retry bursts.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post(constants.WebhookRoute, controllers.HandleProviderWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}
