package entitlements

import (
	"time"

	"github.com/ManuelReschke/PixelVault/app/models"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// AccessUntil returns the last instant sub grants access, or nil when it
// grants none. Open subscriptions keep access through the grace window.
func AccessUntil(sub *models.BillingSubscription, grace time.Duration) *time.Time {
	if sub == nil {
		return nil
	}
	switch sub.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusPendingRenewal:
		until := sub.ExpiresAt.Add(grace)
		return &until
	default:
		return nil
	}
}

// HasAccess reports whether sub grants premium access at now.
func HasAccess(sub *models.BillingSubscription, now time.Time, grace time.Duration) bool {
	until := AccessUntil(sub, grace)
	return until != nil && now.Before(*until)
}

// PlanFor maps a subscription onto the plan the rest of the product checks.
func PlanFor(sub *models.BillingSubscription, now time.Time, grace time.Duration) Plan {
	if HasAccess(sub, now, grace) {
		return PlanPremium
	}
	return PlanFree
}
