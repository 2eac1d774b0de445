package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/constants"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/dunning"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/notifications"
	"github.com/ManuelReschke/PayFox/internal/pkg/payments"
	"github.com/ManuelReschke/PayFox/internal/pkg/router"
	"github.com/ManuelReschke/PayFox/internal/pkg/subscription"
)

func main() {
	app := NewApplication()

	// graceful shutdown: drain the queue workers before the process exits so
	// no half-processed billing job is lost
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		if m := jobqueue.GetManager(); m != nil {
			m.Stop()
		}
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()

	gateways := gateway.NewFactory(gateway.LoadConfigFromEnv())
	ledgerSvc := ledger.NewService(repos.TransactionLog)
	subs := subscription.NewService(repos.Subscription)
	sink := notifications.LogSink{}
	dunningEngine := dunning.NewEngine(ledgerSvc, subs, gateways, sink)

	billing := payments.NewService(
		gateways,
		ledgerSvc,
		subs,
		repos.Plan,
		repos.Webhook,
		sink,
		dunningEngine,
		dunning.DefaultParamsFromEnv(),
		env.GetEnv("PRORATION_POLICY", ""),
	)

	manager := jobqueue.InitializeManager(billing)
	billing.SetEnqueuer(manager.GetQueue())
	manager.Start()

	controllers.InitializeBillingControllers(billing)

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20, // webhook payloads stay small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get(constants.MetricsRoute, basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}
