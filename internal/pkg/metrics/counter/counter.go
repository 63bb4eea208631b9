package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PixelVault/app/models"
)

const (
	billingCountersPrefix = "billing:counters:"
	dayLayout             = "2006-01-02"
	// Unflushed day hashes are kept a week so a long DB outage does not grow Redis forever
	counterKeyTTL = 7 * 24 * time.Hour
	tmpMarker     = ":tmp:"
	// A drain key older than this belongs to a flush that died halfway
	orphanAfter = time.Minute
)

// Recorder buffers billing counters in Redis hashes, one per UTC day,
// and flushes them into billing_daily_stats.
type Recorder struct {
	client *redis.Client
	db     *gorm.DB
	now    func() time.Time
}

func NewRecorder(client *redis.Client, db *gorm.DB) *Recorder {
	return &Recorder{client: client, db: db, now: time.Now}
}

func dayKey(day string) string {
	return billingCountersPrefix + day
}

// Incr implements billing.Metrics. Errors are logged, counters are best effort.
func (r *Recorder) Incr(metric string, by int64) {
	if by == 0 {
		return
	}
	ctx := context.Background()
	key := dayKey(r.now().UTC().Format(dayLayout))

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, key, metric, by)
	pipe.Expire(ctx, key, counterKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("[Counter] Failed to increment %s: %v", metric, err)
	}
}

// Pending returns the not yet flushed value of a metric for today.
func (r *Recorder) Pending(ctx context.Context, metric string) (int64, error) {
	v, err := r.client.HGet(ctx, dayKey(r.now().UTC().Format(dayLayout)), metric).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// FlushAll drains every day hash into the database. Drain keys left behind
// by an interrupted flush are folded back into their day first.
func (r *Recorder) FlushAll(ctx context.Context) error {
	days := map[string]struct{}{}
	var orphans []string
	iter := r.client.Scan(ctx, 0, billingCountersPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.Contains(key, tmpMarker) {
			orphans = append(orphans, key)
			continue
		}
		days[key] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return err
	}

	for _, key := range orphans {
		restored, ok, err := r.restoreOrphan(ctx, key)
		if err != nil {
			log.Warnf("[Counter] Failed to restore %s: %v", key, err)
			continue
		}
		if ok {
			days[restored] = struct{}{}
		}
	}

	keys := make([]string, 0, len(days))
	for key := range days {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := r.flushDay(ctx, key); err != nil {
			return fmt.Errorf("flush %s: %w", key, err)
		}
	}
	return nil
}

// restoreOrphan adds a stale drain key back onto its day hash and removes it.
// Drain keys younger than orphanAfter may belong to a running flush and are left alone.
func (r *Recorder) restoreOrphan(ctx context.Context, tmpKey string) (string, bool, error) {
	i := strings.LastIndex(tmpKey, tmpMarker)
	nanos, err := strconv.ParseInt(tmpKey[i+len(tmpMarker):], 10, 64)
	if err != nil {
		return "", false, fmt.Errorf("malformed drain key: %w", err)
	}
	if time.Since(time.Unix(0, nanos)) < orphanAfter {
		return "", false, nil
	}

	data, err := r.client.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return "", false, err
	}

	redisKey := tmpKey[:i]
	pipe := r.client.TxPipeline()
	for metric, v := range data {
		inc, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || inc == 0 {
			continue
		}
		pipe.HIncrBy(ctx, redisKey, metric, inc)
	}
	pipe.Expire(ctx, redisKey, counterKeyTTL)
	pipe.Del(ctx, tmpKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", false, err
	}
	log.Infof("[Counter] Restored %d counters from interrupted flush %s", len(data), tmpKey)
	return redisKey, true, nil
}

// flushDay drains a Redis hash atomically and upserts the increments.
// Uses RENAME to a temporary key for atomic drain without losing in-flight increments.
func (r *Recorder) flushDay(ctx context.Context, redisKey string) error {
	day := strings.TrimPrefix(redisKey, billingCountersPrefix)

	tmpKey := fmt.Sprintf("%s%s%d", redisKey, tmpMarker, time.Now().UnixNano())
	if err := r.client.Rename(ctx, redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") || err == redis.Nil {
			return nil
		}
		return err
	}

	data, err := r.client.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}

	type pair struct {
		metric string
		inc    int64
	}
	pairs := make([]pair, 0, len(data))
	for k, v := range data {
		inc, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{metric: k, inc: inc})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].metric < pairs[j].metric })

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range pairs {
			row := models.BillingDailyStat{Day: day, Metric: p.metric, Total: p.inc}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "day"}, {Name: "metric"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"total":      gorm.Expr("billing_daily_stats.total + ?", p.inc),
					"updated_at": time.Now().UTC(),
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Put the drained values back so the next flush retries them
		pipe := r.client.Pipeline()
		for _, p := range pairs {
			pipe.HIncrBy(ctx, redisKey, p.metric, p.inc)
		}
		pipe.Expire(ctx, redisKey, counterKeyTTL)
		pipe.Del(ctx, tmpKey)
		if _, rerr := pipe.Exec(ctx); rerr != nil {
			log.Errorf("[Counter] Failed to restore counters of %s: %v", day, rerr)
		}
		return err
	}

	return r.client.Del(ctx, tmpKey).Err()
}

// DailyStats returns the flushed series of one metric over the last days, oldest first.
// Days without a row are reported as zero.
func DailyStats(ctx context.Context, db *gorm.DB, metric string, days int, now time.Time) ([]models.DailyStats, error) {
	if days <= 0 {
		days = 7
	}
	end := now.UTC()
	start := end.AddDate(0, 0, -(days - 1))

	var rows []models.BillingDailyStat
	err := db.WithContext(ctx).
		Where("metric = ? AND day >= ? AND day <= ?", metric, start.Format(dayLayout), end.Format(dayLayout)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]int64, len(rows))
	for _, row := range rows {
		byDay[row.Day] = row.Total
	}

	stats := make([]models.DailyStats, 0, days)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := d.Format(dayLayout)
		stats = append(stats, models.DailyStats{Date: key, Count: byDay[key]})
	}
	return stats, nil
}

// Totals sums every metric over the given day range, inclusive.
func Totals(ctx context.Context, db *gorm.DB, from, to time.Time) (map[string]int64, error) {
	type row struct {
		Metric string
		Total  int64
	}
	var rows []row
	err := db.WithContext(ctx).Model(&models.BillingDailyStat{}).
		Select("metric, SUM(total) AS total").
		Where("day >= ? AND day <= ?", from.UTC().Format(dayLayout), to.UTC().Format(dayLayout)).
		Group("metric").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int64, len(rows))
	for _, r := range rows {
		totals[r.Metric] = r.Total
	}
	return totals, nil
}
