package router

import (
	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/internal/pkg/constants"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group(constants.APIRoute, limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes, merchant API key required
	v1 := api.Group(constants.APIV1Route, middleware.APIKeyAuthMiddleware())

	payments := v1.Group("/payments")
	payments.Post("/charge", controllers.HandleCharge)
	payments.Post("/refund", controllers.HandleRefund)

	subscriptions := v1.Group("/subscriptions")
	subscriptions.Post("/", controllers.HandleSubscribe)
	subscriptions.Get("/:id", controllers.HandleGetSubscription)
	subscriptions.Post("/:id/change-plan", controllers.HandleChangePlan)
	subscriptions.Delete("/:id", controllers.HandleCancelSubscription)

	v1.Get("/stats", controllers.HandleBillingStats)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
