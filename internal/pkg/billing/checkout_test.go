package billing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PixelVault/app/models"
	"github.com/ManuelReschke/PixelVault/internal/pkg/testutil"
)

func TestStartCheckoutWithDiscount(t *testing.T) {
	referrer := uint(99)
	table := NewCodeTable(999, []models.DiscountCode{{Code: "FRIEND", PercentOff: 10, ReferrerID: &referrer, Active: true}})
	f := newFixture(t, WithPricing(table))
	user := testutil.CreateUser(t, f.db, "alice")

	session, err := f.svc.StartCheckout(context.Background(), user.ID, "friend")
	require.NoError(t, err)
	assert.NotEmpty(t, session.CheckoutURL)

	p := f.payment(t, session.Payment.GatewayID())
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, models.PaymentTypeInitial, p.Type)
	assert.Equal(t, int64(900), p.Amount)
	assert.Equal(t, int64(999), p.OriginalAmount)
	assert.Equal(t, int64(99), p.DiscountAmount)
	assert.Equal(t, "FRIEND", p.DiscountCode)
	require.NotNil(t, p.ReferrerID)
	assert.Equal(t, referrer, *p.ReferrerID)
	assert.Equal(t, session.CheckoutURL, p.CheckoutURL)
	assert.Nil(t, p.SubscriptionID)

	_, err = f.svc.StartCheckout(context.Background(), user.ID, "bogus")
	assert.ErrorIs(t, err, ErrInvalidDiscountCode)
}

func TestStartCheckoutGatewayFailure(t *testing.T) {
	f := newFixture(t)
	user := testutil.CreateUser(t, f.db, "bob")
	f.gw.FailWith(http.StatusServiceUnavailable)

	_, err := f.svc.StartCheckout(context.Background(), user.ID, "")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	var p models.BillingPayment
	require.NoError(t, f.db.Where("user_id = ?", user.ID).First(&p).Error)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Nil(t, p.GatewayPaymentID)
}

func TestStartRenewalCheckout(t *testing.T) {
	f := newFixture(t)
	user := testutil.CreateUser(t, f.db, "carol")
	ctx := context.Background()

	_, err := f.svc.StartRenewalCheckout(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNoSubscription)

	sub := f.subscribe(t, user)
	_, err = f.svc.StartRenewalCheckout(ctx, user.ID)
	assert.ErrorIs(t, err, ErrNotPendingRenewal)

	f.clock.Advance(days(30))
	_, err = f.renewals().RunOnce(ctx)
	require.NoError(t, err)

	session, err := f.svc.StartRenewalCheckout(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTypeRenewal, session.Payment.Type)
	require.NotNil(t, session.Payment.SubscriptionID)
	assert.Equal(t, sub.ID, *session.Payment.SubscriptionID)
	assert.Equal(t, 1, testutil.ReloadSubscription(t, f.db, sub.ID).RenewalAttempts)

	res, err := f.svc.ApplySuccessfulPayment(ctx, session.Payment.GatewayID())
	require.NoError(t, err)
	assert.Equal(t, sub.ID, res.Subscription.ID)
	assert.Equal(t, models.SubscriptionStatusActive, res.Subscription.Status)
	assert.Equal(t, 0, res.Subscription.RenewalAttempts)
}

func TestCompleteCheckout(t *testing.T) {
	f := newFixture(t)
	user := testutil.CreateUser(t, f.db, "dave")
	ctx := context.Background()

	session, err := f.svc.StartCheckout(ctx, user.ID, "")
	require.NoError(t, err)
	gid := session.Payment.GatewayID()

	out, err := f.svc.CompleteCheckout(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, GatewayStatusPending, out.GatewayStatus)
	assert.Nil(t, out.Subscription)
	assert.Equal(t, int64(0), f.countSubscriptions(t, user.ID))

	f.gw.SetStatus(gid, "success")
	out, err = f.svc.CompleteCheckout(ctx, gid)
	require.NoError(t, err)
	require.NotNil(t, out.Subscription)
	assert.Equal(t, models.SubscriptionStatusActive, out.Subscription.Status)

	// The webhook arriving afterwards is a duplicate.
	res, err := f.svc.ApplySuccessfulPayment(ctx, gid)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	_, err = f.svc.CompleteCheckout(ctx, "gw_unknown")
	assert.ErrorIs(t, err, ErrUnknownPayment)
}

func TestCompleteCheckoutFailed(t *testing.T) {
	f := newFixture(t)
	user := testutil.CreateUser(t, f.db, "erin")
	ctx := context.Background()

	session, err := f.svc.StartCheckout(ctx, user.ID, "")
	require.NoError(t, err)
	f.gw.SetStatus(session.Payment.GatewayID(), "cancelled")

	out, err := f.svc.CompleteCheckout(ctx, session.Payment.GatewayID())
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, out.Payment.Status)
	assert.Equal(t, int64(0), f.countSubscriptions(t, user.ID))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	user := testutil.CreateUser(t, f.db, "frank")
	ctx := context.Background()

	view, err := f.svc.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusNone, view.SubscriptionStatus)
	assert.False(t, view.HasAccess)
	assert.Equal(t, "free", view.Plan)
	assert.Nil(t, view.Subscription)

	f.subscribe(t, user)
	f.clock.Advance(days(30))
	_, err = f.renewals().RunOnce(ctx)
	require.NoError(t, err)

	f.clock.Advance(days(1))
	view, err = f.svc.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, view.SubscriptionStatus)
	assert.True(t, view.HasAccess)
	assert.Equal(t, "premium", view.Plan)
	require.NotNil(t, view.PendingInvoice)
	assert.Equal(t, f.gw.LastID(), view.PendingInvoice.GatewayID())
	require.NotNil(t, view.AccessUntil)
	assertSameTime(t, t0.Add(days(33)), *view.AccessUntil)
}

// A renewal that never burns its attempts (gateway down for days) keeps the
// row in pending_renewal: the user row still reads active while access ends
// with the grace period.
func TestStatusPendingRenewalPastGrace(t *testing.T) {
	f := newFixture(t)
	user := testutil.CreateUser(t, f.db, "gwen")
	ctx := context.Background()

	sub := f.subscribe(t, user)
	f.clock.Set(sub.ExpiresAt)
	_, err := f.renewals().RunOnce(ctx)
	require.NoError(t, err)

	f.gw.FailWith(http.StatusServiceUnavailable)
	for i := 0; i < 5; i++ {
		f.clock.Advance(days(1))
		report, err := f.renewals().RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.GatewayFailures)
	}

	expiry, err := f.expiry().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expiry.Expired)

	stored := testutil.ReloadSubscription(t, f.db, sub.ID)
	assert.Equal(t, models.SubscriptionStatusPendingRenewal, stored.Status)
	assert.Equal(t, 1, stored.RenewalAttempts)

	view, err := f.svc.Status(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, view.SubscriptionStatus)
	assert.False(t, view.HasAccess)
	assert.Equal(t, "free", view.Plan)
	require.NotNil(t, view.PendingInvoice)
}
