package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelVault/internal/pkg/billing"
)

// HandleBillingWebhook receives payment notifications from the gateway.
// 2xx tells the provider to stop redelivering; 401, 404 and 5xx make it retry.
func HandleBillingWebhook(c *fiber.Ctx) error {
	return GetBillingController().HandleWebhook(c)
}

func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get(billing.SignatureHeader))
	deliveryID := strings.TrimSpace(c.Get(billing.DeliveryHeader))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	out, err := bc.svc.ProcessWebhook(ctx, rawBody, signature, deliveryID)
	if err != nil {
		return billingErrorResponse(c, err)
	}

	switch {
	case out.Duplicate:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	case out.Ignored:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "changed": out.Changed})
}
