package models

import "time"

const (
	SubscriptionStatusActive         = "active"
	SubscriptionStatusPendingRenewal = "pending_renewal"
	SubscriptionStatusExpired        = "expired"
	SubscriptionStatusCancelled      = "cancelled"

	// SubscriptionStatusNone only appears in the user projection.
	SubscriptionStatusNone = "none"
)

// BillingSubscription is one paid access period chain of a user. At most one
// non-terminal row exists per user; ActiveUserID carries the user id while the
// row is active or pending_renewal and is cleared on expiry or cancellation so
// the unique index enforces that.
type BillingSubscription struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UserID             uint       `gorm:"not null;index" json:"user_id"`
	ActiveUserID       *uint      `gorm:"index:ux_subscriptions_active_user,unique" json:"-"`
	Status             string     `gorm:"type:varchar(32);not null;default:'active';index:idx_subscriptions_status_expires,priority:1" json:"status"`
	StartedAt          time.Time  `gorm:"not null" json:"started_at"`
	ExpiresAt          time.Time  `gorm:"not null;index:idx_subscriptions_status_expires,priority:2" json:"expires_at"`
	RenewalAttempts    int        `gorm:"not null;default:0" json:"renewal_attempts"`
	LastRenewalAttempt *time.Time `gorm:"type:timestamp;default:null" json:"last_renewal_attempt,omitempty"`
	CancelledAt        *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	ExpiredAt          *time.Time `gorm:"type:timestamp;default:null" json:"expired_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingSubscription) TableName() string {
	return "subscriptions"
}

// IsTerminal reports whether the subscription can no longer change.
func (s *BillingSubscription) IsTerminal() bool {
	return IsTerminalSubscriptionStatus(s.Status)
}

func IsTerminalSubscriptionStatus(status string) bool {
	return status == SubscriptionStatusExpired || status == SubscriptionStatusCancelled
}

// OpenSubscriptionStatuses lists the non-terminal states.
func OpenSubscriptionStatuses() []string {
	return []string{SubscriptionStatusActive, SubscriptionStatusPendingRenewal}
}

type subscriptionTransition struct {
	from string
	to   string
}

var subscriptionTransitions = map[subscriptionTransition]bool{
	{SubscriptionStatusActive, SubscriptionStatusActive}:                 true,
	{SubscriptionStatusActive, SubscriptionStatusPendingRenewal}:         true,
	{SubscriptionStatusActive, SubscriptionStatusExpired}:                true,
	{SubscriptionStatusActive, SubscriptionStatusCancelled}:              true,
	{SubscriptionStatusPendingRenewal, SubscriptionStatusActive}:         true,
	{SubscriptionStatusPendingRenewal, SubscriptionStatusPendingRenewal}: true,
	{SubscriptionStatusPendingRenewal, SubscriptionStatusExpired}:        true,
	{SubscriptionStatusPendingRenewal, SubscriptionStatusCancelled}:      true,
}

// CanTransitionSubscription reports whether a subscription may move from one
// status to another. Terminal states have no outgoing edges.
func CanTransitionSubscription(from, to string) bool {
	return subscriptionTransitions[subscriptionTransition{from: from, to: to}]
}

// ProjectSubscriptionStatus maps a subscription status onto the value stored
// on the user. pending_renewal still grants access and projects as active.
func ProjectSubscriptionStatus(status string) string {
	switch status {
	case SubscriptionStatusActive, SubscriptionStatusPendingRenewal:
		return SubscriptionStatusActive
	case SubscriptionStatusExpired, SubscriptionStatusCancelled:
		return status
	default:
		return SubscriptionStatusNone
	}
}
