package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PixelVault/app/controllers"
	"github.com/ManuelReschke/PixelVault/internal/pkg/billing"
	"github.com/ManuelReschke/PixelVault/internal/pkg/cache"
	"github.com/ManuelReschke/PixelVault/internal/pkg/database"
	"github.com/ManuelReschke/PixelVault/internal/pkg/env"
	"github.com/ManuelReschke/PixelVault/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PixelVault/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PixelVault/internal/pkg/router"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Print("Shutting down...")
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	manager.Stop()
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	cfg, err := billing.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid billing configuration: %v", err)
	}

	db := database.GetDB()
	pricing, err := billing.LoadCodeTable(db, cfg.PriceMinor)
	if err != nil {
		log.Fatalf("Failed to load discount codes: %v", err)
	}

	workers, err := env.GetEnvInt("JOBQUEUE_WORKERS", 3)
	if err != nil {
		log.Fatalf("Invalid job queue settings: %v", err)
	}
	queue := jobqueue.NewQueue(workers)
	counters := counter.NewRecorder(cache.GetClient(), db)

	svc := billing.NewServiceFromDB(db, *cfg,
		billing.WithGateway(billing.NewGatewayClient(*cfg)),
		billing.WithPricing(pricing),
		billing.WithNotifier(jobqueue.NewNoticeNotifier(queue)),
		billing.WithMetrics(counters),
	)
	manager := jobqueue.InitManager(queue, svc, counters)

	controllers.InitializeBillingController(svc)
	controllers.InitializeAdminBillingController(manager, db)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "PixelVault",
		BodyLimit: 1 << 20, // webhook and API bodies are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: findProjectFile("public/docs/v1/openapi.yml"),
		Path:     "v1",
		Title:    "PixelVault Billing API",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app, manager
}

// findProjectFile resolves rel from the working directory or the project root
func findProjectFile(rel string) string {
	basePaths := []string{
		"./",     // Current directory
		"../../", // From cmd/pixelvault to project root
	}
	for _, base := range basePaths {
		if _, err := os.Stat(base + rel); err == nil {
			return base + rel
		}
	}
	return rel
}
