package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
)

// ExpiryReport summarizes one expiry sweep.
type ExpiryReport struct {
	Candidates int `json:"candidates"`
	Expired    int `json:"expired"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// ExpirySweeper closes subscriptions whose grace window is over.
type ExpirySweeper struct {
	svc *Service
}

func NewExpirySweeper(svc *Service) *ExpirySweeper {
	return &ExpirySweeper{svc: svc}
}

// RunOnce performs one sweep with cutoff now minus the grace period.
func (e *ExpirySweeper) RunOnce(ctx context.Context) (ExpiryReport, error) {
	var report ExpiryReport
	svc := e.svc

	cutoff := svc.clock().Add(-svc.cfg.GracePeriod)
	candidates, err := svc.repo.ListExpiryCandidates(ctx, ExpiryQuery{
		Cutoff:      cutoff,
		MaxAttempts: svc.cfg.MaxRenewalAttempts,
	})
	if err != nil {
		return report, fmt.Errorf("list expiry candidates: %w", err)
	}
	report.Candidates = len(candidates)

	for _, sub := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		expired, err := svc.ExpireSubscription(ctx, sub.ID, cutoff, svc.cfg.MaxRenewalAttempts)
		switch {
		case err != nil:
			log.Errorf("[ExpirySweeper] failed to expire subscription %d: %v", sub.ID, err)
			report.Errors++
		case expired:
			log.Infof("[ExpirySweeper] subscription %d of user %d expired", sub.ID, sub.UserID)
			report.Expired++
		default:
			report.Skipped++
		}
	}
	return report, nil
}
