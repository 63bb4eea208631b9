package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/PixelVault/app/models"
)

var errRenewalNotDue = errors.New("renewal not due")

// CheckRenewable reports whether the scheduler may dispatch a renewal charge
// for sub at now. A nil error means yes.
func CheckRenewable(sub *models.BillingSubscription, cfg Config, now time.Time) error {
	switch sub.Status {
	case models.SubscriptionStatusActive:
		if sub.ExpiresAt.After(now.Add(cfg.RenewalLeadTime)) {
			return errRenewalNotDue
		}
		return nil
	case models.SubscriptionStatusPendingRenewal:
		if sub.RenewalAttempts >= cfg.MaxRenewalAttempts {
			if now.After(sub.ExpiresAt.Add(cfg.GracePeriod)) {
				return fmt.Errorf("%w: grace period over", ErrRenewalExhausted)
			}
			return fmt.Errorf("%w: waiting for grace period to end", ErrRenewalExhausted)
		}
		if sub.LastRenewalAttempt != nil && sub.LastRenewalAttempt.After(now.Add(-cfg.RenewalRetryDelay)) {
			return errRenewalNotDue
		}
		return nil
	default:
		return ErrNoSubscription
	}
}

// expiryEligible is the expiry predicate. A subscription inside its grace
// window is never eligible, whatever its attempt counter says.
func expiryEligible(sub *models.BillingSubscription, cutoff time.Time, maxAttempts int) bool {
	if !sub.ExpiresAt.Before(cutoff) {
		return false
	}
	switch sub.Status {
	case models.SubscriptionStatusActive:
		return true
	case models.SubscriptionStatusPendingRenewal:
		return sub.RenewalAttempts >= maxAttempts
	default:
		return false
	}
}
