package counter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PixelVault/app/models"
	"github.com/ManuelReschke/PixelVault/internal/pkg/testutil"
)

func newTestRecorder(t *testing.T, now time.Time) (*Recorder, *testutil.Clock) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	_, client := testutil.SetupTestRedis(t)
	clock := testutil.NewClock(now)
	r := NewRecorder(client, db)
	r.now = clock.Now
	return r, clock
}

func TestRecorder_IncrBuffersPerDay(t *testing.T) {
	r, _ := newTestRecorder(t, time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC))
	ctx := context.Background()

	r.Incr(models.MetricPaymentsApplied, 1)
	r.Incr(models.MetricPaymentsApplied, 2)
	r.Incr(models.MetricRevenueMinor, 0)

	v, err := r.Pending(ctx, models.MetricPaymentsApplied)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = r.Pending(ctx, models.MetricRevenueMinor)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	ttl := r.client.TTL(ctx, dayKey("2026-01-01")).Val()
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRecorder_FlushAllUpsertsAndDrains(t *testing.T) {
	r, clock := newTestRecorder(t, time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC))
	ctx := context.Background()

	r.Incr(models.MetricPaymentsApplied, 2)
	r.Incr(models.MetricRevenueMinor, 1998)
	clock.Advance(2 * time.Hour) // next UTC day
	r.Incr(models.MetricPaymentsApplied, 1)

	require.NoError(t, r.FlushAll(ctx))

	var rows []models.BillingDailyStat
	require.NoError(t, r.db.Order("day, metric").Find(&rows).Error)
	require.Len(t, rows, 3)
	assert.Equal(t, "2026-01-01", rows[0].Day)
	assert.Equal(t, models.MetricPaymentsApplied, rows[0].Metric)
	assert.Equal(t, int64(2), rows[0].Total)
	assert.Equal(t, models.MetricRevenueMinor, rows[1].Metric)
	assert.Equal(t, int64(1998), rows[1].Total)
	assert.Equal(t, "2026-01-02", rows[2].Day)

	keys, err := r.client.Keys(ctx, billingCountersPrefix+"*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys, "flushed hashes and temp keys are removed")

	// A second flush adds to the stored totals
	r.Incr(models.MetricPaymentsApplied, 4)
	require.NoError(t, r.FlushAll(ctx))

	var stat models.BillingDailyStat
	require.NoError(t, r.db.Where("day = ? AND metric = ?", "2026-01-02", models.MetricPaymentsApplied).First(&stat).Error)
	assert.Equal(t, int64(5), stat.Total)
}

func TestRecorder_FlushAllRestoresInterruptedDrain(t *testing.T) {
	r, _ := newTestRecorder(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	r.Incr(models.MetricPaymentsApplied, 2)
	// Left behind by a flush that died between RENAME and DEL
	stale := dayKey("2026-01-01") + tmpMarker + "1"
	require.NoError(t, r.client.HSet(ctx, stale, models.MetricPaymentsApplied, 5, models.MetricRevenueMinor, 999).Err())
	// Another day that only exists as a drain key
	staleOnly := dayKey("2025-12-31") + tmpMarker + "2"
	require.NoError(t, r.client.HSet(ctx, staleOnly, models.MetricPaymentsApplied, 1).Err())
	// A drain key of a flush still running elsewhere
	running := fmt.Sprintf("%s%s%d", dayKey("2026-01-01"), tmpMarker, time.Now().UnixNano())
	require.NoError(t, r.client.HSet(ctx, running, models.MetricPaymentsApplied, 100).Err())

	require.NoError(t, r.FlushAll(ctx))

	totals := map[string]int64{}
	var rows []models.BillingDailyStat
	require.NoError(t, r.db.Find(&rows).Error)
	for _, row := range rows {
		totals[row.Day+"/"+row.Metric] = row.Total
	}
	assert.Equal(t, int64(7), totals["2026-01-01/"+models.MetricPaymentsApplied])
	assert.Equal(t, int64(999), totals["2026-01-01/"+models.MetricRevenueMinor])
	assert.Equal(t, int64(1), totals["2025-12-31/"+models.MetricPaymentsApplied])

	assert.Zero(t, r.client.Exists(ctx, stale, staleOnly).Val())
	assert.Equal(t, int64(1), r.client.Exists(ctx, running).Val())
}

func TestRecorder_FlushAllWithNothingBuffered(t *testing.T) {
	r, _ := newTestRecorder(t, time.Now())

	assert.NoError(t, r.FlushAll(context.Background()))

	var count int64
	require.NoError(t, r.db.Model(&models.BillingDailyStat{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestDailyStatsFillsMissingDays(t *testing.T) {
	r, _ := newTestRecorder(t, time.Now())
	ctx := context.Background()

	require.NoError(t, r.db.Create(&[]models.BillingDailyStat{
		{Day: "2026-01-01", Metric: models.MetricPaymentsApplied, Total: 4},
		{Day: "2026-01-03", Metric: models.MetricPaymentsApplied, Total: 1},
		{Day: "2026-01-03", Metric: models.MetricPaymentsFailed, Total: 9},
	}).Error)

	stats, err := DailyStats(ctx, r.db, models.MetricPaymentsApplied, 3, time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []models.DailyStats{
		{Date: "2026-01-01", Count: 4},
		{Date: "2026-01-02", Count: 0},
		{Date: "2026-01-03", Count: 1},
	}, stats)

	totals, err := Totals(ctx, r.db, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(5), totals[models.MetricPaymentsApplied])
	assert.Equal(t, int64(9), totals[models.MetricPaymentsFailed])
}
