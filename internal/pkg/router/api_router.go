package router

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PixelVault/app/controllers"
	"github.com/ManuelReschke/PixelVault/internal/pkg/cache"
	"github.com/ManuelReschke/PixelVault/internal/pkg/middleware"
	"github.com/ManuelReschke/PixelVault/internal/pkg/usercontext"
)

// Limiter counters live in their own Redis database (cache uses DB 0)
const limiterRedisDB = 2

type ApiRouter struct {
	storage fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	billingGroup := v1.Group("/billing")

	// Authenticated by signature, not by API key
	billingGroup.Post("/webhook", controllers.HandleBillingWebhook)

	authed := billingGroup.Group("", middleware.APIKeyAuthMiddleware())
	checkoutLimit := h.checkoutLimiter()
	authed.Post("/checkout", checkoutLimit, controllers.HandleBillingCheckout)
	authed.Post("/pay-now", checkoutLimit, controllers.HandleBillingPayNow)
	authed.Get("/status", controllers.HandleBillingStatus)
	authed.Post("/cancel", controllers.HandleBillingCancel)
}

// checkoutLimiter caps gateway round trips per user
func (h ApiRouter) checkoutLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        10,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("billing_checkout:%d", usercontext.GetUserID(c))
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
		Storage: h.storage,
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{storage: newLimiterStorage()}
}

// newLimiterStorage shares limiter state between instances through the
// cache server. Falls back to in-memory counters when the cache is down.
func newLimiterStorage() fiber.Storage {
	client := cache.GetClient()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("[Router] cache unreachable, using in-memory rate limits: %v", err)
		return nil
	}

	host, port := "localhost", 6379
	if h, p, err := net.SplitHostPort(client.Options().Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: client.Options().Password,
		Database: limiterRedisDB,
		Reset:    false,
	})
}
