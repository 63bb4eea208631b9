package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelVault/app/models"
	"github.com/ManuelReschke/PixelVault/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PixelVault/internal/pkg/metrics/counter"
)

// Sweeps run by hand may take a while with many due subscriptions
const adminSweepTimeout = 10 * time.Minute

type AdminBillingController struct {
	manager *jobqueue.Manager
	db      *gorm.DB
}

func NewAdminBillingController(manager *jobqueue.Manager, db *gorm.DB) *AdminBillingController {
	return &AdminBillingController{manager: manager, db: db}
}

var adminBillingController *AdminBillingController

// InitializeAdminBillingController sets the manager and database for the admin billing routes
func InitializeAdminBillingController(manager *jobqueue.Manager, db *gorm.DB) {
	adminBillingController = NewAdminBillingController(manager, db)
}

func GetAdminBillingController() *AdminBillingController {
	return adminBillingController
}

func HandleAdminRunRenewals(c *fiber.Ctx) error {
	return GetAdminBillingController().HandleRunRenewals(c)
}

func HandleAdminRunExpiry(c *fiber.Ctx) error {
	return GetAdminBillingController().HandleRunExpiry(c)
}

func HandleAdminBillingStats(c *fiber.Ctx) error {
	return GetAdminBillingController().HandleStats(c)
}

func (ac *AdminBillingController) HandleRunRenewals(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminSweepTimeout)
	defer cancel()

	report, err := ac.manager.RunRenewalSweep(ctx)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(report)
}

func (ac *AdminBillingController) HandleRunExpiry(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminSweepTimeout)
	defer cancel()

	report, err := ac.manager.RunExpirySweep(ctx)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(report)
}

// HandleStats returns flushed counters: totals for the window and a daily
// series of applied payments. ?days= sets the window, default 7, max 90.
func (ac *AdminBillingController) HandleStats(c *fiber.Ctx) error {
	days := c.QueryInt("days", 7)
	if days < 1 || days > 90 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_days"})
	}
	metric := c.Query("metric", models.MetricPaymentsApplied)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC()
	series, err := counter.DailyStats(ctx, ac.db, metric, days, now)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	totals, err := counter.Totals(ctx, ac.db, now.AddDate(0, 0, -(days-1)), now)
	if err != nil {
		return billingErrorResponse(c, err)
	}

	queue := ac.manager.GetQueue()
	jobStats, err := queue.GetStats(ctx)
	if err != nil {
		log.Warnf("[Billing] job stats unavailable: %v", err)
	}
	deadLetters, err := queue.DeadLetters(ctx, 20)
	if err != nil {
		log.Warnf("[Billing] dead letters unavailable: %v", err)
	}

	return c.JSON(fiber.Map{
		"days":         days,
		"metric":       metric,
		"series":       series,
		"totals":       totals,
		"jobs":         jobStats,
		"dead_letters": deadLetters,
	})
}
