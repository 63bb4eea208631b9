package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PixelVault/app/models"
)

// sweepBatchSize caps how many subscriptions a single sweep loads.
const sweepBatchSize = 500

// RenewalQuery selects subscriptions due for a renewal charge.
type RenewalQuery struct {
	DueBefore   time.Time
	RetryBefore time.Time
	MaxAttempts int
	Limit       int
}

// ExpiryQuery selects subscriptions whose grace window is over.
type ExpiryQuery struct {
	Cutoff      time.Time
	MaxAttempts int
	Limit       int
}

// Repository provides the ledger operations used by the billing service.
// Lock* methods take row locks and are meant to run inside Transaction.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	GetUser(ctx context.Context, userID uint) (*models.User, error)
	LockUser(ctx context.Context, userID uint) (*models.User, error)
	UpdateUserProjection(ctx context.Context, userID uint, status string, nextBillingDate *time.Time) error

	CreatePayment(ctx context.Context, p *models.BillingPayment) error
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*models.BillingPayment, error)
	LockPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*models.BillingPayment, error)
	AttachGatewayPayment(ctx context.Context, paymentID uint, gatewayPaymentID, checkoutURL string) error
	MarkPaymentSucceeded(ctx context.Context, paymentID, subscriptionID uint, at time.Time) (bool, error)
	TransitionPayment(ctx context.Context, paymentID uint, to string, at time.Time) (bool, error)
	LatestOpenRenewalPayment(ctx context.Context, subscriptionID uint) (*models.BillingPayment, error)

	CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error
	SaveSubscription(ctx context.Context, sub *models.BillingSubscription) error
	GetSubscription(ctx context.Context, id uint) (*models.BillingSubscription, error)
	LockSubscription(ctx context.Context, id uint) (*models.BillingSubscription, error)
	FindOpenSubscriptionByUser(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	LockOpenSubscriptionByUser(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	FindLatestSubscriptionByUser(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	ListRenewalCandidates(ctx context.Context, q RenewalQuery) ([]models.BillingSubscription, error)
	ListExpiryCandidates(ctx context.Context, q ExpiryQuery) ([]models.BillingSubscription, error)

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error

	// recordRenewalAttempt is the only write path of renewal_attempts. An
	// active row is only moved when it expires by dueBefore.
	recordRenewalAttempt(ctx context.Context, subscriptionID uint, at, dueBefore time.Time) (bool, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) forUpdate(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (r *gormRepository) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) LockUser(ctx context.Context, userID uint) (*models.User, error) {
	var u models.User
	if err := r.forUpdate(ctx).First(&u, userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) UpdateUserProjection(ctx context.Context, userID uint, status string, nextBillingDate *time.Time) error {
	updates := map[string]interface{}{
		"subscription_status": status,
		"next_billing_date":   nil,
	}
	if nextBillingDate != nil {
		updates["next_billing_date"] = *nextBillingDate
	}
	return r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error
}

func (r *gormRepository) CreatePayment(ctx context.Context, p *models.BillingPayment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *gormRepository) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*models.BillingPayment, error) {
	var p models.BillingPayment
	if err := r.db.WithContext(ctx).Where("gateway_payment_id = ?", gatewayPaymentID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) LockPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*models.BillingPayment, error) {
	var p models.BillingPayment
	if err := r.forUpdate(ctx).Where("gateway_payment_id = ?", gatewayPaymentID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) AttachGatewayPayment(ctx context.Context, paymentID uint, gatewayPaymentID, checkoutURL string) error {
	tx := r.db.WithContext(ctx).Model(&models.BillingPayment{}).
		Where("id = ? AND gateway_payment_id IS NULL AND status = ?", paymentID, models.PaymentStatusInitiated).
		Updates(map[string]interface{}{
			"gateway_payment_id": gatewayPaymentID,
			"checkout_url":       checkoutURL,
			"status":             models.PaymentStatusPending,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return errors.New("payment already attached to a gateway payment")
	}
	return nil
}

// MarkPaymentSucceeded flips the payment to success unless another writer
// already did. The boolean reports whether this call won.
func (r *gormRepository) MarkPaymentSucceeded(ctx context.Context, paymentID, subscriptionID uint, at time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.BillingPayment{}).
		Where("id = ? AND status <> ?", paymentID, models.PaymentStatusSuccess).
		Updates(map[string]interface{}{
			"status":          models.PaymentStatusSuccess,
			"subscription_id": subscriptionID,
			"completed_at":    at,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) TransitionPayment(ctx context.Context, paymentID uint, to string, at time.Time) (bool, error) {
	from := models.PaymentSourceStatuses(to)
	if len(from) == 0 {
		return false, nil
	}
	tx := r.db.WithContext(ctx).Model(&models.BillingPayment{}).
		Where("id = ? AND status IN ?", paymentID, from).
		Updates(map[string]interface{}{
			"status":       to,
			"completed_at": at,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) LatestOpenRenewalPayment(ctx context.Context, subscriptionID uint) (*models.BillingPayment, error) {
	var p models.BillingPayment
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND type = ? AND status IN ?", subscriptionID, models.PaymentTypeRenewal,
			[]string{models.PaymentStatusInitiated, models.PaymentStatusPending, models.PaymentStatusFailed}).
		Order("id DESC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) GetSubscription(ctx context.Context, id uint) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) LockSubscription(ctx context.Context, id uint) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.forUpdate(ctx).First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindOpenSubscriptionByUser(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	return r.findOpenSubscription(r.db.WithContext(ctx), userID)
}

func (r *gormRepository) LockOpenSubscriptionByUser(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	return r.findOpenSubscription(r.forUpdate(ctx), userID)
}

func (r *gormRepository) findOpenSubscription(db *gorm.DB, userID uint) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := db.Where("user_id = ? AND status IN ?", userID, models.OpenSubscriptionStatuses()).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindLatestSubscriptionByUser(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListRenewalCandidates(ctx context.Context, q RenewalQuery) ([]models.BillingSubscription, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = sweepBatchSize
	}
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("(status = ? AND expires_at <= ?) OR (status = ? AND renewal_attempts < ? AND (last_renewal_attempt IS NULL OR last_renewal_attempt <= ?))",
			models.SubscriptionStatusActive, q.DueBefore,
			models.SubscriptionStatusPendingRenewal, q.MaxAttempts, q.RetryBefore).
		Order("expires_at ASC, id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListExpiryCandidates(ctx context.Context, q ExpiryQuery) ([]models.BillingSubscription, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = sweepBatchSize
	}
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("expires_at < ? AND (status = ? OR (status = ? AND renewal_attempts >= ?))",
			q.Cutoff, models.SubscriptionStatusActive, models.SubscriptionStatusPendingRenewal, q.MaxAttempts).
		Order("expires_at ASC, id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) recordRenewalAttempt(ctx context.Context, subscriptionID uint, at, dueBefore time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.BillingSubscription{}).
		Where("id = ? AND (status = ? OR (status = ? AND expires_at <= ?))", subscriptionID,
			models.SubscriptionStatusPendingRenewal, models.SubscriptionStatusActive, dueBefore).
		Updates(map[string]interface{}{
			"status":               models.SubscriptionStatusPendingRenewal,
			"renewal_attempts":     gorm.Expr("renewal_attempts + 1"),
			"last_renewal_attempt": at,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
		"attempts":         gorm.Expr("attempts + 1"),
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
