package models

import "time"

const (
	MetricCheckoutsStarted       = "checkouts_started"
	MetricPaymentsApplied        = "payments_applied"
	MetricPaymentsDuplicate      = "payments_duplicate"
	MetricPaymentsFailed         = "payments_failed"
	MetricPaymentsCancelled      = "payments_cancelled"
	MetricRenewalsDispatched     = "renewals_dispatched"
	MetricRenewalGatewayFailures = "renewal_gateway_failures"
	MetricSubscriptionsCreated   = "subscriptions_created"
	MetricSubscriptionsExpired   = "subscriptions_expired"
	MetricSubscriptionsCancelled = "subscriptions_cancelled"
	MetricWebhooksRejected       = "webhooks_rejected"
	MetricWebhooksUnknownPayment = "webhooks_unknown_payment"
	MetricRevenueMinor           = "revenue_minor"
)

// BillingDailyStat holds one aggregated counter per day, flushed from Redis.
type BillingDailyStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Day       string    `gorm:"type:varchar(10);not null;index:ux_billing_daily_stats_day_metric,unique,priority:1" json:"day"`
	Metric    string    `gorm:"type:varchar(64);not null;index:ux_billing_daily_stats_day_metric,unique,priority:2" json:"metric"`
	Total     int64     `gorm:"not null;default:0" json:"total"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DailyStats is one day of a metric series.
type DailyStats struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}
