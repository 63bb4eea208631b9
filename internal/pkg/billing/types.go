package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/PixelVault/app/models"
)

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PaymentRef      string
	PayloadJSON     string
	SignatureValid  bool
}

// ApplyResult describes the effect of ApplySuccessfulPayment.
type ApplyResult struct {
	Payment      *models.BillingPayment
	Subscription *models.BillingSubscription
	// Duplicate is set when the payment had already been applied.
	Duplicate bool
	// Created is set when a new subscription row was opened.
	Created bool
	// Skipped is set when the payment was already closed as cancelled.
	Skipped bool
}

// RenewalCharge is the charge the scheduler asked the gateway for.
type RenewalCharge struct {
	Reference   string
	Amount      int64
	Currency    string
	CheckoutURL string
}

// CheckoutSession is returned to the client to continue at the gateway.
type CheckoutSession struct {
	Payment     *models.BillingPayment
	CheckoutURL string
}

// CompletionResult is the verified outcome of a redirect completion.
type CompletionResult struct {
	GatewayStatus string
	Payment       *models.BillingPayment
	Subscription  *models.BillingSubscription
}

// StatusView is what a user sees about their subscription.
type StatusView struct {
	SubscriptionStatus string                      `json:"subscription_status"`
	NextBillingDate    *time.Time                  `json:"next_billing_date,omitempty"`
	Plan               string                      `json:"plan"`
	HasAccess          bool                        `json:"has_access"`
	AccessUntil        *time.Time                  `json:"access_until,omitempty"`
	Subscription       *models.BillingSubscription `json:"subscription,omitempty"`
	PendingInvoice     *models.BillingPayment      `json:"pending_invoice,omitempty"`
}

// NoticeKind identifies a billing email.
type NoticeKind string

const (
	NoticeReceipt               NoticeKind = "receipt"
	NoticeRenewalInvoice        NoticeKind = "renewal_invoice"
	NoticePaymentFailed         NoticeKind = "payment_failed"
	NoticeSubscriptionExpired   NoticeKind = "subscription_expired"
	NoticeSubscriptionCancelled NoticeKind = "subscription_cancelled"
)

// Notice is emitted after a ledger change has been committed.
type Notice struct {
	Kind           NoticeKind
	UserID         uint
	PaymentID      uint
	SubscriptionID uint
	Amount         int64
	Currency       string
	CheckoutURL    string
	ExpiresAt      *time.Time
}

// Notifier delivers notices. Failures never affect the ledger.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Metrics counts billing events.
type Metrics interface {
	Incr(metric string, by int64)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notice) error { return nil }

type nopMetrics struct{}

func (nopMetrics) Incr(string, int64) {}
