package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/PixelVault/app/controllers"
	"github.com/ManuelReschke/PixelVault/internal/pkg/middleware"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	h.registerPublicRoutes(app)
	h.registerAdminRoutes(app)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	// Browser return URL of the payment gateway
	app.Get("/billing/checkout/complete", controllers.HandleBillingCheckoutComplete)
}

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	adminGroup := app.Group("/admin", middleware.AdminBasicAuth())
	adminGroup.Get("/metrics", monitor.New(monitor.Config{Title: "PixelVault Metrics"}))

	billingGroup := adminGroup.Group("/billing")
	billingGroup.Post("/renewals/run", controllers.HandleAdminRunRenewals)
	billingGroup.Post("/expiry/run", controllers.HandleAdminRunExpiry)
	billingGroup.Get("/stats", controllers.HandleAdminBillingStats)
}
