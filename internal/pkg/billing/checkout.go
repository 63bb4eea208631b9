package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelVault/app/models"
	"github.com/ManuelReschke/PixelVault/internal/pkg/entitlements"
)

// StartCheckout opens an initial payment for userID and returns the gateway
// checkout URL.
func (s *Service) StartCheckout(ctx context.Context, userID uint, discountCode string) (*CheckoutSession, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}

	quote, err := s.pricing.Calculate(discountCode)
	if err != nil {
		return nil, err
	}

	payment := &models.BillingPayment{
		UserID:         user.ID,
		Reference:      uuid.NewString(),
		Amount:         quote.FinalAmount,
		OriginalAmount: quote.OriginalAmount,
		DiscountAmount: quote.DiscountAmount,
		Currency:       s.cfg.Currency,
		DiscountCode:   quote.DiscountCode,
		ReferrerID:     quote.ReferrerID,
		Status:         models.PaymentStatusInitiated,
		Type:           models.PaymentTypeInitial,
	}
	return s.startGatewayPayment(ctx, user, payment)
}

// StartRenewalCheckout lets a user pay an open renewal invoice right away.
// It does not count as a renewal attempt.
func (s *Service) StartRenewalCheckout(ctx context.Context, userID uint) (*CheckoutSession, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}

	sub, err := s.repo.FindOpenSubscriptionByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, err
	}
	if sub.Status != models.SubscriptionStatusPendingRenewal {
		return nil, ErrNotPendingRenewal
	}

	payment := &models.BillingPayment{
		UserID:         user.ID,
		SubscriptionID: &sub.ID,
		Reference:      uuid.NewString(),
		Amount:         s.cfg.PriceMinor,
		OriginalAmount: s.cfg.PriceMinor,
		Currency:       s.cfg.Currency,
		Status:         models.PaymentStatusInitiated,
		Type:           models.PaymentTypeRenewal,
	}
	return s.startGatewayPayment(ctx, user, payment)
}

func (s *Service) startGatewayPayment(ctx context.Context, user *models.User, payment *models.BillingPayment) (*CheckoutSession, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	resp, err := s.gateway.InitializePayment(callCtx, InitializeRequest{
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Description: s.cfg.Description,
		Customer:    user.Email,
		ReturnURL:   s.cfg.ReturnURL,
		Metadata: PaymentMetadata{
			UserID:    user.ID,
			PaymentID: payment.Reference,
			Type:      payment.Type,
		},
	})
	if err != nil {
		if _, terr := s.repo.TransitionPayment(ctx, payment.ID, models.PaymentStatusFailed, s.clock()); terr != nil {
			log.Errorf("[Billing] failed to close payment %d after gateway error: %v", payment.ID, terr)
		}
		log.Warnf("[Billing] checkout for user %d failed at gateway: %v", user.ID, err)
		if !errors.Is(err, ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	if err := s.repo.AttachGatewayPayment(ctx, payment.ID, resp.ID, resp.CheckoutURL); err != nil {
		return nil, fmt.Errorf("attach gateway payment %s: %w", resp.ID, err)
	}
	gid := resp.ID
	payment.GatewayPaymentID = &gid
	payment.CheckoutURL = resp.CheckoutURL
	payment.Status = models.PaymentStatusPending

	s.metrics.Incr(models.MetricCheckoutsStarted, 1)
	log.Infof("[Billing] %s checkout %s started for user %d", payment.Type, gid, user.ID)
	return &CheckoutSession{Payment: payment, CheckoutURL: resp.CheckoutURL}, nil
}

// CompleteCheckout handles the browser return from the gateway. The outcome
// is always re-read from the gateway, never taken from the redirect.
func (s *Service) CompleteCheckout(ctx context.Context, gatewayPaymentID string) (*CompletionResult, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
	}
	payment, err := s.repo.GetPaymentByGatewayID(ctx, gatewayPaymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownPayment
		}
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	gp, err := s.gateway.GetPayment(callCtx, gatewayPaymentID)
	if err != nil {
		return nil, err
	}

	out := &CompletionResult{GatewayStatus: gp.Status, Payment: payment}
	switch gp.Status {
	case GatewayStatusSuccess:
		res, err := s.ApplySuccessfulPayment(ctx, gatewayPaymentID)
		if err != nil {
			return nil, err
		}
		out.Payment = res.Payment
		out.Subscription = res.Subscription
	case GatewayStatusFailed:
		if out.Payment, _, err = s.MarkPaymentFailed(ctx, gatewayPaymentID); err != nil {
			return nil, err
		}
	case GatewayStatusCancelled:
		if out.Payment, _, err = s.MarkPaymentCancelled(ctx, gatewayPaymentID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Status returns the subscription view for userID. SubscriptionStatus is the
// user row projection; HasAccess and Plan are computed from the clock, so a
// pending_renewal past its grace reads active without access.
func (s *Service) Status(ctx context.Context, userID uint) (*StatusView, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}

	view := &StatusView{
		SubscriptionStatus: user.SubscriptionStatus,
		NextBillingDate:    user.NextBillingDate,
		Plan:               string(entitlements.PlanFree),
	}
	if view.SubscriptionStatus == "" {
		view.SubscriptionStatus = models.SubscriptionStatusNone
	}

	sub, err := s.repo.FindLatestSubscriptionByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return view, nil
		}
		return nil, err
	}
	view.Subscription = sub
	view.Plan = string(entitlements.PlanFor(sub, s.clock(), s.cfg.GracePeriod))
	view.HasAccess = entitlements.HasAccess(sub, s.clock(), s.cfg.GracePeriod)
	view.AccessUntil = entitlements.AccessUntil(sub, s.cfg.GracePeriod)

	if sub.Status == models.SubscriptionStatusPendingRenewal {
		invoice, err := s.repo.LatestOpenRenewalPayment(ctx, sub.ID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		view.PendingInvoice = invoice
	}
	return view, nil
}
