package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/PixelVault/app/models"
)

// RenewalReport summarizes one renewal sweep.
type RenewalReport struct {
	Candidates      int `json:"candidates"`
	Dispatched      int `json:"dispatched"`
	GatewayFailures int `json:"gateway_failures"`
	Skipped         int `json:"skipped"`
	Errors          int `json:"errors"`
}

// RenewalScheduler charges subscriptions that reached the end of their
// period. It only asks the gateway for a charge; outcomes arrive via webhook.
type RenewalScheduler struct {
	svc *Service
}

func NewRenewalScheduler(svc *Service) *RenewalScheduler {
	return &RenewalScheduler{svc: svc}
}

// RunOnce performs one sweep. A failing subscription never stops the batch;
// the returned error is set only when the sweep could not run at all or ctx
// was cancelled.
func (r *RenewalScheduler) RunOnce(ctx context.Context) (RenewalReport, error) {
	var report RenewalReport
	svc := r.svc
	if svc.gateway == nil {
		return report, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
	}

	now := svc.clock()
	candidates, err := svc.repo.ListRenewalCandidates(ctx, RenewalQuery{
		DueBefore:   now.Add(svc.cfg.RenewalLeadTime),
		RetryBefore: now.Add(-svc.cfg.RenewalRetryDelay),
		MaxAttempts: svc.cfg.MaxRenewalAttempts,
	})
	if err != nil {
		return report, fmt.Errorf("list renewal candidates: %w", err)
	}
	report.Candidates = len(candidates)

	for i := range candidates {
		if i > 0 {
			if err := sleepContext(ctx, svc.cfg.DispatchDelay); err != nil {
				return report, err
			}
		}

		// The list may be minutes old by now; a webhook can have renewed the row.
		sub, err := svc.repo.GetSubscription(ctx, candidates[i].ID)
		if err != nil {
			log.Errorf("[RenewalScheduler] reload subscription %d: %v", candidates[i].ID, err)
			report.Errors++
			continue
		}
		if err := CheckRenewable(sub, svc.cfg, svc.clock()); err != nil {
			log.Infof("[RenewalScheduler] skipping subscription %d: %v", sub.ID, err)
			report.Skipped++
			continue
		}

		switch err := r.dispatch(ctx, sub); {
		case err == nil:
			report.Dispatched++
		case errors.Is(err, ErrGatewayUnavailable):
			svc.metrics.Incr(models.MetricRenewalGatewayFailures, 1)
			log.Warnf("[RenewalScheduler] gateway unavailable for subscription %d, retrying next run: %v", sub.ID, err)
			report.GatewayFailures++
		default:
			log.Errorf("[RenewalScheduler] renewal of subscription %d failed: %v", sub.ID, err)
			report.Errors++
		}
	}

	if report.Candidates > 0 {
		log.Infof("[RenewalScheduler] run finished: candidates=%d dispatched=%d gateway_failures=%d skipped=%d errors=%d",
			report.Candidates, report.Dispatched, report.GatewayFailures, report.Skipped, report.Errors)
	}
	return report, nil
}

func (r *RenewalScheduler) dispatch(ctx context.Context, sub *models.BillingSubscription) error {
	svc := r.svc
	user, err := svc.repo.GetUser(ctx, sub.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", sub.UserID, err)
	}

	reference := uuid.NewString()
	callCtx, cancel := context.WithTimeout(ctx, svc.cfg.GatewayTimeout)
	resp, err := svc.gateway.InitializePayment(callCtx, InitializeRequest{
		Amount:      svc.cfg.PriceMinor,
		Currency:    svc.cfg.Currency,
		Description: svc.cfg.Description,
		Customer:    user.Email,
		ReturnURL:   svc.cfg.ReturnURL,
		Metadata: PaymentMetadata{
			UserID:    user.ID,
			PaymentID: reference,
			Type:      models.PaymentTypeRenewal,
		},
	})
	cancel()
	if err != nil {
		if !errors.Is(err, ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return err
	}

	payment, err := svc.MarkRenewalDispatched(ctx, sub.ID, resp.ID, RenewalCharge{
		Reference:   reference,
		Amount:      svc.cfg.PriceMinor,
		Currency:    svc.cfg.Currency,
		CheckoutURL: resp.CheckoutURL,
	})
	if err != nil {
		return fmt.Errorf("record renewal %s: %w", resp.ID, err)
	}

	svc.metrics.Incr(models.MetricRenewalsDispatched, 1)
	expires := sub.ExpiresAt
	svc.notify(ctx, Notice{
		Kind:           NoticeRenewalInvoice,
		UserID:         sub.UserID,
		PaymentID:      payment.ID,
		SubscriptionID: sub.ID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		CheckoutURL:    resp.CheckoutURL,
		ExpiresAt:      &expires,
	})
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
