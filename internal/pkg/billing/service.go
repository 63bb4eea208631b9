package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelVault/app/models"
)

// errAlreadyApplied rolls back an apply that lost the race on the payment row.
var errAlreadyApplied = errors.New("payment already applied")

// Service is the reconciliation core. It is the only writer of subscriptions,
// payments and the user subscription projection; every mutation of a
// subscription and its projection happens in one transaction.
type Service struct {
	repo     Repository
	cfg      Config
	gateway  Gateway
	pricing  PriceCalculator
	notifier Notifier
	metrics  Metrics
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

func WithGateway(g Gateway) Option {
	return func(s *Service) { s.gateway = g }
}

func WithPricing(p PriceCalculator) Option {
	return func(s *Service) { s.pricing = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now, used by tests to move through billing periods.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		cfg:      cfg,
		pricing:  NewCodeTable(cfg.PriceMinor, nil),
		notifier: nopNotifier{},
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, cfg Config, opts ...Option) *Service {
	return NewService(NewRepository(db), cfg, opts...)
}

// Config returns the settings the service runs with.
func (s *Service) Config() Config {
	return s.cfg
}

// clock returns the current time truncated to what the database keeps.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// ApplySuccessfulPayment applies a confirmed gateway payment. It is
// idempotent: applying the same gateway payment twice extends the
// subscription once and reports the second call as Duplicate.
func (s *Service) ApplySuccessfulPayment(ctx context.Context, gatewayPaymentID string) (*ApplyResult, error) {
	gid := strings.TrimSpace(gatewayPaymentID)
	if gid == "" {
		return nil, ErrUnknownPayment
	}

	var result *ApplyResult
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		r, err := s.applyInTx(ctx, tx, gid)
		result = r
		return err
	})
	if errors.Is(err, errAlreadyApplied) {
		s.metrics.Incr(models.MetricPaymentsDuplicate, 1)
		return &ApplyResult{Payment: result.Payment, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	switch {
	case result.Duplicate:
		s.metrics.Incr(models.MetricPaymentsDuplicate, 1)
		log.Debugf("[Billing] payment %s already applied", gid)
	case result.Subscription != nil:
		s.metrics.Incr(models.MetricPaymentsApplied, 1)
		s.metrics.Incr(models.MetricRevenueMinor, result.Payment.Amount)
		if result.Created {
			s.metrics.Incr(models.MetricSubscriptionsCreated, 1)
		}
		log.Infof("[Billing] applied payment %s: subscription %d active until %s",
			gid, result.Subscription.ID, result.Subscription.ExpiresAt.Format(time.RFC3339))
		expires := result.Subscription.ExpiresAt
		s.notify(ctx, Notice{
			Kind:           NoticeReceipt,
			UserID:         result.Subscription.UserID,
			PaymentID:      result.Payment.ID,
			SubscriptionID: result.Subscription.ID,
			Amount:         result.Payment.Amount,
			Currency:       result.Payment.Currency,
			ExpiresAt:      &expires,
		})
	}
	return result, nil
}

func (s *Service) applyInTx(ctx context.Context, tx Repository, gid string) (*ApplyResult, error) {
	payment, err := tx.LockPaymentByGatewayID(ctx, gid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownPayment
		}
		return nil, fmt.Errorf("lock payment %s: %w", gid, err)
	}

	res := &ApplyResult{Payment: payment}
	if payment.Status == models.PaymentStatusSuccess {
		res.Duplicate = true
		return res, nil
	}
	if !models.CanTransitionPayment(payment.Status, models.PaymentStatusSuccess) {
		log.Warnf("[Billing] success for payment %s ignored, payment is %s", gid, payment.Status)
		res.Skipped = true
		return res, nil
	}

	now := s.clock()
	if _, err := tx.LockUser(ctx, payment.UserID); err != nil {
		return nil, fmt.Errorf("lock user %d: %w", payment.UserID, err)
	}

	sub, err := resolveTargetSubscription(ctx, tx, payment)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		uid := payment.UserID
		sub = &models.BillingSubscription{
			UserID:       uid,
			ActiveUserID: &uid,
			Status:       models.SubscriptionStatusActive,
			StartedAt:    now,
			ExpiresAt:    now.Add(s.cfg.Period),
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return nil, fmt.Errorf("create subscription: %w", err)
		}
		res.Created = true
	} else {
		if !models.CanTransitionSubscription(sub.Status, models.SubscriptionStatusActive) {
			return nil, fmt.Errorf("subscription %d cannot be extended from %s", sub.ID, sub.Status)
		}
		uid := sub.UserID
		sub.ExpiresAt = extendExpiry(sub.ExpiresAt, now, s.cfg.Period)
		sub.Status = models.SubscriptionStatusActive
		sub.RenewalAttempts = 0
		sub.ActiveUserID = &uid
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return nil, fmt.Errorf("extend subscription %d: %w", sub.ID, err)
		}
	}

	expires := sub.ExpiresAt
	if err := tx.UpdateUserProjection(ctx, sub.UserID, models.ProjectSubscriptionStatus(sub.Status), &expires); err != nil {
		return nil, fmt.Errorf("update user projection: %w", err)
	}

	won, err := tx.MarkPaymentSucceeded(ctx, payment.ID, sub.ID, now)
	if err != nil {
		return nil, fmt.Errorf("mark payment %d succeeded: %w", payment.ID, err)
	}
	if !won {
		return res, errAlreadyApplied
	}
	payment.Status = models.PaymentStatusSuccess
	payment.SubscriptionID = &sub.ID
	payment.CompletedAt = &now
	res.Subscription = sub
	return res, nil
}

// resolveTargetSubscription returns the subscription a successful payment
// extends, or nil when a new one has to be opened.
func resolveTargetSubscription(ctx context.Context, tx Repository, payment *models.BillingPayment) (*models.BillingSubscription, error) {
	if payment.SubscriptionID != nil {
		linked, err := tx.LockSubscription(ctx, *payment.SubscriptionID)
		if err == nil && !linked.IsTerminal() {
			return linked, nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lock subscription %d: %w", *payment.SubscriptionID, err)
		}
	}

	open, err := tx.LockOpenSubscriptionByUser(ctx, payment.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock open subscription of user %d: %w", payment.UserID, err)
	}
	return open, nil
}

// extendExpiry never shortens paid time: remaining days carry over.
func extendExpiry(current, now time.Time, period time.Duration) time.Time {
	base := current
	if now.After(base) {
		base = now
	}
	return base.Add(period)
}

// MarkRenewalDispatched records a renewal charge the gateway accepted and
// moves the subscription to pending_renewal. Recording the same gateway
// payment id again is a no-op. A subscription renewed in the meantime keeps
// its state; only the payment row is written.
func (s *Service) MarkRenewalDispatched(ctx context.Context, subscriptionID uint, gatewayPaymentID string, charge RenewalCharge) (*models.BillingPayment, error) {
	gid := strings.TrimSpace(gatewayPaymentID)
	if subscriptionID == 0 || gid == "" {
		return nil, errors.New("subscription_id and gateway_payment_id are required")
	}
	if charge.Reference == "" {
		charge.Reference = uuid.NewString()
	}
	if charge.Currency == "" {
		charge.Currency = s.cfg.Currency
	}

	var payment *models.BillingPayment
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		existing, err := tx.GetPaymentByGatewayID(ctx, gid)
		if err == nil {
			payment = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoSubscription
			}
			return err
		}
		if _, err := tx.LockUser(ctx, sub.UserID); err != nil {
			return fmt.Errorf("lock user %d: %w", sub.UserID, err)
		}
		if sub, err = tx.LockSubscription(ctx, subscriptionID); err != nil {
			return fmt.Errorf("lock subscription %d: %w", subscriptionID, err)
		}

		now := s.clock()
		p := &models.BillingPayment{
			UserID:           sub.UserID,
			SubscriptionID:   &sub.ID,
			GatewayPaymentID: &gid,
			Reference:        charge.Reference,
			Amount:           charge.Amount,
			OriginalAmount:   charge.Amount,
			Currency:         charge.Currency,
			Status:           models.PaymentStatusInitiated,
			Type:             models.PaymentTypeRenewal,
			CheckoutURL:      charge.CheckoutURL,
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return fmt.Errorf("insert renewal payment: %w", err)
		}
		payment = p

		if sub.IsTerminal() {
			return nil
		}
		bumped, err := tx.recordRenewalAttempt(ctx, sub.ID, now, now.Add(s.cfg.RenewalLeadTime))
		if err != nil {
			return fmt.Errorf("record renewal attempt: %w", err)
		}
		if !bumped {
			return nil
		}
		expires := sub.ExpiresAt
		return tx.UpdateUserProjection(ctx, sub.UserID,
			models.ProjectSubscriptionStatus(models.SubscriptionStatusPendingRenewal), &expires)
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// MarkPaymentFailed records a failed charge. The subscription is untouched.
func (s *Service) MarkPaymentFailed(ctx context.Context, gatewayPaymentID string) (*models.BillingPayment, bool, error) {
	payment, changed, err := s.closePayment(ctx, gatewayPaymentID, models.PaymentStatusFailed)
	if err != nil || !changed {
		return payment, changed, err
	}
	s.metrics.Incr(models.MetricPaymentsFailed, 1)
	log.Infof("[Billing] payment %s failed", payment.GatewayID())
	if payment.Type == models.PaymentTypeRenewal {
		n := Notice{
			Kind:      NoticePaymentFailed,
			UserID:    payment.UserID,
			PaymentID: payment.ID,
			Amount:    payment.Amount,
			Currency:  payment.Currency,
		}
		if payment.SubscriptionID != nil {
			n.SubscriptionID = *payment.SubscriptionID
		}
		s.notify(ctx, n)
	}
	return payment, changed, nil
}

// MarkPaymentCancelled records a charge the user abandoned at the gateway.
func (s *Service) MarkPaymentCancelled(ctx context.Context, gatewayPaymentID string) (*models.BillingPayment, bool, error) {
	payment, changed, err := s.closePayment(ctx, gatewayPaymentID, models.PaymentStatusCancelled)
	if err == nil && changed {
		s.metrics.Incr(models.MetricPaymentsCancelled, 1)
		log.Infof("[Billing] payment %s cancelled", payment.GatewayID())
	}
	return payment, changed, err
}

func (s *Service) closePayment(ctx context.Context, gatewayPaymentID, to string) (*models.BillingPayment, bool, error) {
	gid := strings.TrimSpace(gatewayPaymentID)
	if gid == "" {
		return nil, false, ErrUnknownPayment
	}

	var payment *models.BillingPayment
	var changed bool
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		p, err := tx.LockPaymentByGatewayID(ctx, gid)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownPayment
			}
			return fmt.Errorf("lock payment %s: %w", gid, err)
		}
		payment = p
		if !models.CanTransitionPayment(p.Status, to) {
			return nil
		}
		now := s.clock()
		if changed, err = tx.TransitionPayment(ctx, p.ID, to, now); err != nil {
			return err
		}
		if changed {
			p.Status = to
			p.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return payment, changed, nil
}

// CancelSubscription ends the user's open subscription immediately.
func (s *Service) CancelSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	var sub *models.BillingSubscription
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return fmt.Errorf("lock user %d: %w", userID, err)
		}
		open, err := tx.LockOpenSubscriptionByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoSubscription
			}
			return err
		}
		if !models.CanTransitionSubscription(open.Status, models.SubscriptionStatusCancelled) {
			return ErrNoSubscription
		}

		now := s.clock()
		open.Status = models.SubscriptionStatusCancelled
		open.ActiveUserID = nil
		open.CancelledAt = &now
		if err := tx.SaveSubscription(ctx, open); err != nil {
			return fmt.Errorf("cancel subscription %d: %w", open.ID, err)
		}
		sub = open
		return tx.UpdateUserProjection(ctx, userID, models.SubscriptionStatusCancelled, nil)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Incr(models.MetricSubscriptionsCancelled, 1)
	log.Infof("[Billing] subscription %d of user %d cancelled", sub.ID, userID)
	s.notify(ctx, Notice{Kind: NoticeSubscriptionCancelled, UserID: userID, SubscriptionID: sub.ID})
	return sub, nil
}

// ExpireSubscription moves a subscription whose grace window ended before
// cutoff to expired. The predicate is re-checked under lock, so false means
// another writer got there first or the row is no longer eligible.
func (s *Service) ExpireSubscription(ctx context.Context, subscriptionID uint, cutoff time.Time, maxAttempts int) (bool, error) {
	var expired *models.BillingSubscription
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		current, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoSubscription
			}
			return err
		}
		if _, err := tx.LockUser(ctx, current.UserID); err != nil {
			return fmt.Errorf("lock user %d: %w", current.UserID, err)
		}
		if current, err = tx.LockSubscription(ctx, subscriptionID); err != nil {
			return fmt.Errorf("lock subscription %d: %w", subscriptionID, err)
		}
		if !expiryEligible(current, cutoff, maxAttempts) {
			return nil
		}

		now := s.clock()
		current.Status = models.SubscriptionStatusExpired
		current.ActiveUserID = nil
		current.ExpiredAt = &now
		if err := tx.SaveSubscription(ctx, current); err != nil {
			return fmt.Errorf("expire subscription %d: %w", current.ID, err)
		}
		expired = current
		return tx.UpdateUserProjection(ctx, current.UserID, models.SubscriptionStatusExpired, nil)
	})
	if err != nil {
		return false, err
	}
	if expired == nil {
		return false, nil
	}

	s.metrics.Incr(models.MetricSubscriptionsExpired, 1)
	s.notify(ctx, Notice{Kind: NoticeSubscriptionExpired, UserID: expired.UserID, SubscriptionID: expired.ID})
	return true, nil
}

func (s *Service) notify(ctx context.Context, n Notice) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		log.Warnf("[Billing] failed to queue %s notice for user %d: %v", n.Kind, n.UserID, err)
	}
}
