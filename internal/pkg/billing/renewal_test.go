package billing

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PixelVault/app/models"
	"github.com/ManuelReschke/PixelVault/internal/pkg/testutil"
)

func TestRenewalSkipsSubscriptionsNotDue(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, testutil.CreateUser(t, f.db, "alice"))

	f.clock.Advance(days(29))
	report, err := f.renewals().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RenewalReport{}, report)
}

func TestRenewalDispatchRecordsAttempt(t *testing.T) {
	f := newFixture(t)
	user := testutil.CreateUser(t, f.db, "bob")
	sub := f.subscribe(t, user)

	f.clock.Advance(days(30))
	report, err := f.renewals().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Dispatched)

	stored := testutil.ReloadSubscription(t, f.db, sub.ID)
	assert.Equal(t, models.SubscriptionStatusPendingRenewal, stored.Status)
	assert.Equal(t, 1, stored.RenewalAttempts)
	assertSameTime(t, sub.ExpiresAt, stored.ExpiresAt)

	gid := f.gw.LastID()
	p := f.payment(t, gid)
	assert.Equal(t, models.PaymentTypeRenewal, p.Type)
	assert.Equal(t, f.cfg.PriceMinor, p.Amount)
	require.NotNil(t, p.SubscriptionID)
	assert.Equal(t, sub.ID, *p.SubscriptionID)

	reqs := f.gw.Initialized()
	last := reqs[len(reqs)-1]
	assert.Equal(t, float64(f.cfg.PriceMinor), last["amount"])
	assert.Equal(t, "EUR", last["currency"])
	assert.Equal(t, user.Email, last["customer"])
	meta := last["metadata"].(map[string]any)
	assert.Equal(t, models.PaymentTypeRenewal, meta["type"])
	assert.Equal(t, p.Reference, meta["paymentId"])
	assert.Equal(t, float64(user.ID), meta["userId"])
	for _, h := range f.gw.AuthHeaders() {
		assert.Equal(t, "Bearer sk_test", h)
	}

	n := f.notices.last()
	assert.Equal(t, NoticeRenewalInvoice, n.Kind)
	assert.Equal(t, p.CheckoutURL, n.CheckoutURL)
	assert.Equal(t, int64(1), f.metrics.get(models.MetricRenewalsDispatched))
}

func TestRenewalGatewayFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	user := testutil.CreateUser(t, f.db, "carol")
	sub := f.subscribe(t, user)

	f.clock.Advance(days(30))
	f.gw.FailWith(http.StatusBadGateway)
	report, err := f.renewals().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.GatewayFailures)
	assert.Equal(t, 0, report.Dispatched)

	stored := testutil.ReloadSubscription(t, f.db, sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, 0, stored.RenewalAttempts)
	assert.Nil(t, stored.LastRenewalAttempt)

	var renewals int64
	require.NoError(t, f.db.Model(&models.BillingPayment{}).Where("type = ?", models.PaymentTypeRenewal).Count(&renewals).Error)
	assert.Equal(t, int64(0), renewals)
	assert.Equal(t, int64(1), f.metrics.get(models.MetricRenewalGatewayFailures))

	// The next run retries without having burnt an attempt.
	f.gw.FailWith(0)
	report, err = f.renewals().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 1, testutil.ReloadSubscription(t, f.db, sub.ID).RenewalAttempts)
}

func TestRenewalBatchContinuesAfterFailure(t *testing.T) {
	f := newFixture(t)
	a := f.subscribe(t, testutil.CreateUser(t, f.db, "dave"))
	b := f.subscribe(t, testutil.CreateUser(t, f.db, "erin"))

	f.clock.Advance(days(30))
	f.gw.FailNext(1)
	report, err := f.renewals().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.GatewayFailures)
	assert.Equal(t, 1, report.Dispatched)

	assert.Equal(t, 0, testutil.ReloadSubscription(t, f.db, a.ID).RenewalAttempts)
	assert.Equal(t, 1, testutil.ReloadSubscription(t, f.db, b.ID).RenewalAttempts)
}

func TestRenewalRespectsRetryDelayAndMaxAttempts(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, testutil.CreateUser(t, f.db, "frank"))
	ctx := context.Background()

	f.clock.Advance(days(30))
	_, err := f.renewals().RunOnce(ctx)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	report, err := f.renewals().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Candidates)

	for i := 2; i <= f.cfg.MaxRenewalAttempts; i++ {
		f.clock.Advance(days(1))
		report, err = f.renewals().RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Dispatched)
		assert.Equal(t, i, testutil.ReloadSubscription(t, f.db, sub.ID).RenewalAttempts)
	}

	f.clock.Advance(days(1))
	report, err = f.renewals().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Candidates)
	assert.Equal(t, f.cfg.MaxRenewalAttempts, testutil.ReloadSubscription(t, f.db, sub.ID).RenewalAttempts)
}

func TestRenewalStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.cfg.DispatchDelay = time.Minute
	f.svc.cfg.DispatchDelay = time.Minute
	f.subscribe(t, testutil.CreateUser(t, f.db, "gina"))
	f.subscribe(t, testutil.CreateUser(t, f.db, "hank"))
	f.clock.Advance(days(30))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	report, err := f.renewals().RunOnce(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, report.Dispatched)
}

// Pay, miss a renewal, retry the next day and pay.
func TestRenewalScenarioFailedThenPaid(t *testing.T) {
	f := newFixture(t)
	user := testutil.CreateUser(t, f.db, "ivy")
	ctx := context.Background()

	sub := f.subscribe(t, user)
	assertSameTime(t, t0.Add(days(30)), sub.ExpiresAt)

	f.clock.Set(t0.Add(days(30)))
	_, err := f.renewals().RunOnce(ctx)
	require.NoError(t, err)
	stored := testutil.ReloadSubscription(t, f.db, sub.ID)
	require.Equal(t, models.SubscriptionStatusPendingRenewal, stored.Status)
	require.Equal(t, 1, stored.RenewalAttempts)

	failed := &WebhookEvent{Event: EventPaymentFailed}
	failed.Data.ID = f.gw.LastID()
	_, err = f.svc.HandleWebhookEvent(ctx, failed)
	require.NoError(t, err)
	stored = testutil.ReloadSubscription(t, f.db, sub.ID)
	assert.Equal(t, models.SubscriptionStatusPendingRenewal, stored.Status)
	assert.Equal(t, 1, stored.RenewalAttempts)

	f.clock.Set(t0.Add(days(31)))
	_, err = f.renewals().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, testutil.ReloadSubscription(t, f.db, sub.ID).RenewalAttempts)

	paid := &WebhookEvent{Event: EventPaymentSuccess}
	paid.Data.ID = f.gw.LastID()
	out, err := f.svc.HandleWebhookEvent(ctx, paid)
	require.NoError(t, err)
	assert.True(t, out.Changed)

	stored = testutil.ReloadSubscription(t, f.db, sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, 0, stored.RenewalAttempts)
	assertSameTime(t, t0.Add(days(31)).Add(days(30)), stored.ExpiresAt)

	u := testutil.ReloadUser(t, f.db, user.ID)
	assert.Equal(t, models.SubscriptionStatusActive, u.SubscriptionStatus)
	require.NotNil(t, u.NextBillingDate)
	assertSameTime(t, stored.ExpiresAt, *u.NextBillingDate)
}

// A success webhook that races ahead of the renewal ledger row is rejected
// without partial state and applies once the row exists.
func TestRenewalOutOfOrderSuccess(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, testutil.CreateUser(t, f.db, "jack"))
	ctx := context.Background()
	f.clock.Set(t0.Add(days(30)))

	early := &WebhookEvent{Event: EventPaymentSuccess}
	early.Data.ID = "gw_not_recorded_yet"
	_, err := f.svc.HandleWebhookEvent(ctx, early)
	assert.ErrorIs(t, err, ErrUnknownPayment)

	stored := testutil.ReloadSubscription(t, f.db, sub.ID)
	assert.Equal(t, models.SubscriptionStatusActive, stored.Status)
	assertSameTime(t, sub.ExpiresAt, stored.ExpiresAt)
	assert.Equal(t, int64(1), f.metrics.get(models.MetricWebhooksUnknownPayment))

	_, err = f.svc.MarkRenewalDispatched(ctx, sub.ID, "gw_not_recorded_yet", RenewalCharge{Amount: 999})
	require.NoError(t, err)
	out, err := f.svc.HandleWebhookEvent(ctx, early)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assertSameTime(t, t0.Add(days(60)), testutil.ReloadSubscription(t, f.db, sub.ID).ExpiresAt)
}

// hookGateway runs before once ahead of the first charge it forwards.
type hookGateway struct {
	Gateway
	once   sync.Once
	before func()
}

func (g *hookGateway) InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResponse, error) {
	g.once.Do(g.before)
	return g.Gateway.InitializePayment(ctx, req)
}

// A retry sweep must not charge a subscription whose open renewal was paid
// while the sweep was working through earlier rows.
func TestRenewalSkipsSubscriptionPaidDuringSweep(t *testing.T) {
	f := newFixture(t)
	a := f.subscribe(t, testutil.CreateUser(t, f.db, "kate"))
	b := f.subscribe(t, testutil.CreateUser(t, f.db, "liam"))
	ctx := context.Background()

	f.clock.Set(t0.Add(days(30)))
	report, err := f.renewals().RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Dispatched)

	var open models.BillingPayment
	require.NoError(t, f.db.Where("subscription_id = ? AND type = ?", b.ID, models.PaymentTypeRenewal).First(&open).Error)

	var applyErr error
	gw := &hookGateway{
		Gateway: NewGatewayClient(f.cfg),
		before: func() {
			_, applyErr = f.svc.ApplySuccessfulPayment(ctx, open.GatewayID())
		},
	}
	f.svc = NewServiceFromDB(f.db, f.cfg,
		WithGateway(gw),
		WithClock(f.clock.Now),
		WithNotifier(f.notices),
		WithMetrics(f.metrics))

	f.clock.Set(t0.Add(days(31)))
	report, err = f.renewals().RunOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, applyErr)
	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 1, report.Skipped)

	assert.Equal(t, 2, testutil.ReloadSubscription(t, f.db, a.ID).RenewalAttempts)

	stored := testutil.ReloadSubscription(t, f.db, b.ID)
	assert.Equal(t, models.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, 0, stored.RenewalAttempts)
	assert.True(t, stored.ExpiresAt.After(f.clock.Now()))

	var charges int64
	require.NoError(t, f.db.Model(&models.BillingPayment{}).
		Where("subscription_id = ? AND type = ?", b.ID, models.PaymentTypeRenewal).Count(&charges).Error)
	assert.Equal(t, int64(1), charges)
}
