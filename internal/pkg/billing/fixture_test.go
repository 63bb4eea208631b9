package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelVault/app/models"
	"github.com/ManuelReschke/PixelVault/internal/pkg/testutil"
)

var t0 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(_ context.Context, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, notice.Kind)
	}
	return out
}

func (n *recordingNotifier) last() Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notices[len(n.notices)-1]
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *recordingMetrics) Incr(metric string, by int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[metric] += by
}

func (m *recordingMetrics) get(metric string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[metric]
}

type fixture struct {
	db      *gorm.DB
	gw      *testutil.FakeGateway
	clock   *testutil.Clock
	notices *recordingNotifier
	metrics *recordingMetrics
	cfg     Config
	svc     *Service
}

func testConfig(gatewayURL string) Config {
	cfg := DefaultConfig()
	cfg.GatewayBaseURL = gatewayURL
	cfg.GatewaySecretKey = "sk_test"
	cfg.WebhookSecret = "whsec_test"
	cfg.GatewayTimeout = 5 * time.Second
	cfg.DispatchDelay = 0
	return cfg
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		db:      testutil.SetupTestDB(t),
		gw:      testutil.NewFakeGateway(t),
		clock:   testutil.NewClock(t0),
		notices: &recordingNotifier{},
		metrics: &recordingMetrics{counts: map[string]int64{}},
	}
	f.cfg = testConfig(f.gw.URL())
	base := []Option{
		WithGateway(NewGatewayClient(f.cfg)),
		WithClock(f.clock.Now),
		WithNotifier(f.notices),
		WithMetrics(f.metrics),
	}
	f.svc = NewServiceFromDB(f.db, f.cfg, append(base, opts...)...)
	return f
}

// subscribe runs a full checkout for user and applies its payment.
func (f *fixture) subscribe(t *testing.T, user *models.User) *models.BillingSubscription {
	t.Helper()

	session, err := f.svc.StartCheckout(context.Background(), user.ID, "")
	require.NoError(t, err)
	res, err := f.svc.ApplySuccessfulPayment(context.Background(), session.Payment.GatewayID())
	require.NoError(t, err)
	require.NotNil(t, res.Subscription)
	return res.Subscription
}

func (f *fixture) renewals() *RenewalScheduler {
	return NewRenewalScheduler(f.svc)
}

func (f *fixture) expiry() *ExpirySweeper {
	return NewExpirySweeper(f.svc)
}

func (f *fixture) countSubscriptions(t *testing.T, userID uint, statuses ...string) int64 {
	t.Helper()

	q := f.db.Model(&models.BillingSubscription{}).Where("user_id = ?", userID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var n int64
	require.NoError(t, q.Count(&n).Error)
	return n
}

func (f *fixture) payment(t *testing.T, gatewayPaymentID string) *models.BillingPayment {
	t.Helper()

	var p models.BillingPayment
	require.NoError(t, f.db.Where("gateway_payment_id = ?", gatewayPaymentID).First(&p).Error)
	return &p
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func assertSameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "want %s, got %s", want.UTC(), got.UTC())
}
