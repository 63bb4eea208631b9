package models

import (
	"sort"
	"time"
)

const (
	PaymentStatusInitiated = "initiated"
	PaymentStatusPending   = "pending"
	PaymentStatusSuccess   = "success"
	PaymentStatusFailed    = "failed"
	PaymentStatusCancelled = "cancelled"
)

const (
	PaymentTypeInitial = "initial"
	PaymentTypeRenewal = "renewal"
)

// BillingPayment is one charge attempt. Amounts are stored in minor currency
// units. GatewayPaymentID stays NULL until the gateway accepted the charge.
type BillingPayment struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	UserID           uint       `gorm:"not null;index" json:"user_id"`
	SubscriptionID   *uint      `gorm:"index" json:"subscription_id,omitempty"`
	GatewayPaymentID *string    `gorm:"type:varchar(191);index:ux_payments_gateway_payment_id,unique" json:"gateway_payment_id,omitempty"`
	Reference        string     `gorm:"type:varchar(36);not null;index:ux_payments_reference,unique" json:"reference"`
	Amount           int64      `gorm:"not null" json:"amount"`
	OriginalAmount   int64      `gorm:"not null" json:"original_amount"`
	DiscountAmount   int64      `gorm:"not null;default:0" json:"discount_amount"`
	Currency         string     `gorm:"type:varchar(3);not null" json:"currency"`
	DiscountCode     string     `gorm:"type:varchar(64);not null;default:''" json:"discount_code,omitempty"`
	ReferrerID       *uint      `gorm:"index" json:"referrer_id,omitempty"`
	Status           string     `gorm:"type:varchar(16);not null;default:'initiated';index" json:"status"`
	Type             string     `gorm:"type:varchar(16);not null;index" json:"type"`
	CheckoutURL      string     `gorm:"type:varchar(512);not null;default:''" json:"checkout_url,omitempty"`
	CompletedAt      *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingPayment) TableName() string {
	return "payments"
}

// GatewayID returns the gateway payment id or an empty string.
func (p *BillingPayment) GatewayID() string {
	if p.GatewayPaymentID == nil {
		return ""
	}
	return *p.GatewayPaymentID
}

// IsOpen reports whether the payment still waits for a gateway outcome.
func (p *BillingPayment) IsOpen() bool {
	return p.Status == PaymentStatusInitiated || p.Status == PaymentStatusPending
}

type paymentTransition struct {
	from string
	to   string
}

// A late success may still arrive after a failure; success itself is final.
var paymentTransitions = map[paymentTransition]bool{
	{PaymentStatusInitiated, PaymentStatusPending}:   true,
	{PaymentStatusInitiated, PaymentStatusSuccess}:   true,
	{PaymentStatusInitiated, PaymentStatusFailed}:    true,
	{PaymentStatusInitiated, PaymentStatusCancelled}: true,
	{PaymentStatusPending, PaymentStatusSuccess}:     true,
	{PaymentStatusPending, PaymentStatusFailed}:      true,
	{PaymentStatusPending, PaymentStatusCancelled}:   true,
	{PaymentStatusFailed, PaymentStatusSuccess}:      true,
}

func CanTransitionPayment(from, to string) bool {
	return paymentTransitions[paymentTransition{from: from, to: to}]
}

// PaymentSourceStatuses returns every status a payment may leave towards to.
func PaymentSourceStatuses(to string) []string {
	var out []string
	for t := range paymentTransitions {
		if t.to == to {
			out = append(out, t.from)
		}
	}
	sort.Strings(out)
	return out
}
