package controllers

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelVault/internal/pkg/billing"
	"github.com/ManuelReschke/PixelVault/internal/pkg/usercontext"
)

const billingRequestTimeout = 20 * time.Second

// CheckoutRequest is the optional body of a checkout call
type CheckoutRequest struct {
	DiscountCode string `json:"discount_code" validate:"omitempty,max=64,printascii"`
}

// CheckoutResponse points the client at the gateway
type CheckoutResponse struct {
	PaymentID   string `json:"payment_id"`
	Reference   string `json:"reference"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	CheckoutURL string `json:"checkout_url"`
}

type BillingController struct {
	svc      *billing.Service
	validate *validator.Validate
}

func NewBillingController(svc *billing.Service) *BillingController {
	return &BillingController{svc: svc, validate: validator.New()}
}

// Global billing controller instance
var billingController *BillingController

// InitializeBillingController sets the service used by the billing routes
func InitializeBillingController(svc *billing.Service) {
	billingController = NewBillingController(svc)
}

// GetBillingController returns the global billing controller instance
func GetBillingController() *BillingController {
	return billingController
}

func HandleBillingCheckout(c *fiber.Ctx) error {
	return GetBillingController().HandleCheckout(c)
}

func HandleBillingPayNow(c *fiber.Ctx) error {
	return GetBillingController().HandlePayNow(c)
}

func HandleBillingStatus(c *fiber.Ctx) error {
	return GetBillingController().HandleStatus(c)
}

func HandleBillingCancel(c *fiber.Ctx) error {
	return GetBillingController().HandleCancel(c)
}

func HandleBillingCheckoutComplete(c *fiber.Ctx) error {
	return GetBillingController().HandleCheckoutComplete(c)
}

// HandleCheckout starts the first payment of a subscription
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	var req CheckoutRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
		}
	}
	req.DiscountCode = strings.TrimSpace(req.DiscountCode)
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), billingRequestTimeout)
	defer cancel()

	session, err := bc.svc.StartCheckout(ctx, usercontext.GetUserID(c), req.DiscountCode)
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(checkoutResponse(session))
}

// HandlePayNow opens a checkout for the renewal of a pending subscription
func (bc *BillingController) HandlePayNow(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), billingRequestTimeout)
	defer cancel()

	session, err := bc.svc.StartRenewalCheckout(ctx, usercontext.GetUserID(c))
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(checkoutResponse(session))
}

func (bc *BillingController) HandleStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), billingRequestTimeout)
	defer cancel()

	view, err := bc.svc.Status(ctx, usercontext.GetUserID(c))
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(view)
}

func (bc *BillingController) HandleCancel(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), billingRequestTimeout)
	defer cancel()

	sub, err := bc.svc.CancelSubscription(ctx, usercontext.GetUserID(c))
	if err != nil {
		return billingErrorResponse(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "subscription": sub})
}

// HandleCheckoutComplete is the browser return URL of the gateway. The
// payment outcome is verified with the gateway and the browser is sent to
// the account page with the result.
func (bc *BillingController) HandleCheckoutComplete(c *fiber.Ctx) error {
	gid := strings.TrimSpace(c.Query("id"))
	if gid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_payment_id"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), billingRequestTimeout)
	defer cancel()

	status := "pending"
	result, err := bc.svc.CompleteCheckout(ctx, gid)
	switch {
	case err != nil:
		status = "error"
		// The webhook remains authoritative; the redirect only reports.
		if strings.Contains(c.Get(fiber.HeaderAccept), fiber.MIMEApplicationJSON) {
			return billingErrorResponse(c, err)
		}
	case result.GatewayStatus != "":
		status = result.GatewayStatus
	}

	if strings.Contains(c.Get(fiber.HeaderAccept), fiber.MIMEApplicationJSON) {
		return c.JSON(fiber.Map{"status": status, "payment": result.Payment, "subscription": result.Subscription})
	}
	return c.Redirect(accountRedirectURL(bc.svc.Config().AccountURL, status), fiber.StatusSeeOther)
}

func accountRedirectURL(base, status string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return "/?checkout=" + url.QueryEscape(status)
	}
	q := u.Query()
	q.Set("checkout", status)
	u.RawQuery = q.Encode()
	return u.String()
}

func checkoutResponse(session *billing.CheckoutSession) CheckoutResponse {
	return CheckoutResponse{
		PaymentID:   session.Payment.GatewayID(),
		Reference:   session.Payment.Reference,
		Amount:      session.Payment.Amount,
		Currency:    session.Payment.Currency,
		CheckoutURL: session.CheckoutURL,
	}
}
