package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelVault/internal/pkg/billing"
	"github.com/ManuelReschke/PixelVault/internal/pkg/jobqueue"
)

// billingErrorResponse maps billing errors to status codes and stable error codes
func billingErrorResponse(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, billing.ErrSignatureInvalid):
		status, code = fiber.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, billing.ErrInvalidWebhookPayload):
		status, code = fiber.StatusBadRequest, "invalid_payload"
	case errors.Is(err, billing.ErrUnknownPayment):
		status, code = fiber.StatusNotFound, "unknown_payment"
	case errors.Is(err, billing.ErrNoSubscription):
		status, code = fiber.StatusNotFound, "no_subscription"
	case errors.Is(err, billing.ErrNotPendingRenewal):
		status, code = fiber.StatusConflict, "not_pending_renewal"
	case errors.Is(err, billing.ErrInvalidDiscountCode):
		status, code = fiber.StatusUnprocessableEntity, "invalid_discount_code"
	case errors.Is(err, billing.ErrGatewayUnavailable):
		status, code = fiber.StatusBadGateway, "gateway_unavailable"
	case errors.Is(err, jobqueue.ErrSweepInProgress):
		status, code = fiber.StatusConflict, "sweep_in_progress"
	case errors.Is(err, gorm.ErrRecordNotFound):
		status, code = fiber.StatusNotFound, "not_found"
	}
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[Billing] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}
