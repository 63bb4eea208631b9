package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PixelVault/internal/pkg/cache"
	"github.com/ManuelReschke/PixelVault/internal/pkg/mail"
)

const (
	// Redis keys
	JobKeyPrefix  = "billing:job:"
	PendingKey    = "billing:jobs:pending"
	ProcessingKey = "billing:jobs:processing"
	DelayedKey    = "billing:jobs:delayed" // sorted set, score = due time in unix ms
	DeadKey       = "billing:jobs:dead"
	StatsKey      = "billing:jobs:stats"

	DefaultMaxAttempts = 4
	// Must outlive the whole retry schedule
	JobTTL = 72 * time.Hour

	deadLetterLimit = 500
	promoteBatch    = 100
	dequeueTimeout  = time.Second
)

// Counters kept in StatsKey
const (
	statEnqueued  = "enqueued"
	statCompleted = "completed"
	statRetried   = "retried"
	statDead      = "dead"
	statRecovered = "recovered"
)

// Stats is a point-in-time view of the queue
type Stats struct {
	Pending    int64            `json:"pending"`
	Processing int64            `json:"processing"`
	Delayed    int64            `json:"delayed"`
	Dead       int64            `json:"dead"`
	Totals     map[string]int64 `json:"totals"`
}

// Queue is a Redis backed work queue. Failed jobs wait in a sorted set until
// their next attempt is due, so retries survive a restart.
type Queue struct {
	client  *redis.Client
	workers int

	retryBase     time.Duration
	pollInterval  time.Duration
	stuckAfter    time.Duration
	stuckInterval time.Duration
	now           func() time.Time

	sendMail  MailFunc
	findEmail EmailLookup

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a new job queue on the shared cache client
func NewQueue(workers int) *Queue {
	return NewQueueWithClient(cache.GetClient(), workers)
}

// NewQueueWithClient creates a job queue on the given Redis client
func NewQueueWithClient(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3
	}

	return &Queue{
		client:        client,
		workers:       workers,
		retryBase:     time.Minute,
		pollInterval:  time.Second,
		stuckAfter:    10 * time.Minute,
		stuckInterval: time.Minute,
		now:           time.Now,
		sendMail:      mail.SendMail,
		findEmail:     lookupUserEmail,
	}
}

// SetNoticeDelivery replaces how billing notices find their recipient and get sent
func (q *Queue) SetNoticeDelivery(send MailFunc, find EmailLookup) {
	if send != nil {
		q.sendMail = send
	}
	if find != nil {
		q.findEmail = find
	}
}

// Start launches the workers and the maintenance loop. Calling it on a
// running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	q.wg.Add(1)
	go q.maintain(ctx)
}

// Stop cancels the workers and waits until in-flight jobs are finished
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel == nil {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	q.cancel()
	q.wg.Wait()
	q.cancel = nil
	log.Info("[JobQueue] All workers stopped")
}

// IsRunning reports whether Start has been called without a matching Stop
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancel != nil
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] Worker %d started", id)

	for ctx.Err() == nil {
		job, err := q.dequeueJob(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			log.Errorf("[JobQueue] Worker %d: dequeue failed: %v", id, err)
			select {
			case <-ctx.Done():
			case <-time.After(q.pollInterval):
			}
			continue
		}

		// A started job finishes even when Stop was called meanwhile
		q.processJob(context.WithoutCancel(ctx), job)
	}
	log.Debugf("[JobQueue] Worker %d stopped", id)
}

// maintain promotes due retries and recovers jobs a crashed worker left behind
func (q *Queue) maintain(ctx context.Context) {
	defer q.wg.Done()

	promote := time.NewTicker(q.pollInterval)
	defer promote.Stop()
	stuck := time.NewTicker(q.stuckInterval)
	defer stuck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if _, err := q.promoteDue(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Promoting delayed jobs failed: %v", err)
			}
		case <-stuck.C:
			if _, err := q.recoverStuck(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Recovering stuck jobs failed: %v", err)
			}
		}
	}
}

// EnqueueJob stores the job and appends it to the pending list
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	job := newJob(uuid.New().String(), jobType, payload, DefaultMaxAttempts, q.now().UTC())

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL)
	pipe.LPush(ctx, PendingKey, job.ID)
	pipe.HIncrBy(ctx, StatsKey, statEnqueued, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Debugf("[JobQueue] Enqueued job %s (type=%s)", job.ID, job.Type)
	return job, nil
}

// dequeueJob moves the oldest pending job onto the processing list.
// Returns redis.Nil when nothing arrived within dequeueTimeout.
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, PendingKey, ProcessingKey, dequeueTimeout).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.client.LRem(ctx, ProcessingKey, 1, id)
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

func (q *Queue) handle(ctx context.Context, job *Job) error {
	switch job.Type {
	case JobTypeBillingNotice:
		return q.processBillingNoticeJob(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// processJob runs one attempt and settles the job: deleted on success,
// parked in the delayed set for a retry, or moved to the dead letter list.
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.begin(q.now().UTC())
	if err := q.saveJob(ctx, job); err != nil {
		log.Errorf("[JobQueue] Failed to mark job %s as processing: %v", job.ID, err)
	}

	runErr := q.handle(ctx, job)

	key := JobKeyPrefix + job.ID
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, ProcessingKey, 1, job.ID)

	if runErr == nil {
		pipe.Del(ctx, key)
		pipe.HIncrBy(ctx, StatsKey, statCompleted, 1)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Errorf("[JobQueue] Failed to settle job %s: %v", job.ID, err)
		}
		return
	}

	retry := job.fail(runErr, q.retryBase, q.now().UTC())
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	pipe.Set(ctx, key, data, JobTTL)

	if retry {
		log.Warnf("[JobQueue] Job %s attempt %d/%d failed, next at %s: %v",
			job.ID, job.Attempts, job.MaxAttempts, job.NextAttemptAt.Format(time.RFC3339), runErr)
		pipe.ZAdd(ctx, DelayedKey, redis.Z{Score: float64(job.NextAttemptAt.UnixMilli()), Member: job.ID})
		pipe.HIncrBy(ctx, StatsKey, statRetried, 1)
	} else {
		log.Errorf("[JobQueue] Job %s gave up after %d attempts: %v", job.ID, job.Attempts, runErr)
		pipe.LPush(ctx, DeadKey, job.ID)
		pipe.LTrim(ctx, DeadKey, 0, deadLetterLimit-1)
		pipe.HIncrBy(ctx, StatsKey, statDead, 1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to settle job %s: %v", job.ID, err)
	}
}

// promoteDue moves every delayed job whose time has come back to pending
func (q *Queue) promoteDue(ctx context.Context) (int, error) {
	due := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, DelayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   due,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		// ZREM decides which instance owns the promotion
		removed, err := q.client.ZRem(ctx, DelayedKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, PendingKey, id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// recoverStuck puts jobs back on the pending list whose attempt started more
// than stuckAfter ago, and drops processing entries without a live job.
func (q *Queue) recoverStuck(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, ProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	now := q.now().UTC()
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			if err != nil && !errors.Is(err, redis.Nil) {
				log.Warnf("[JobQueue] Dropping unreadable job %s: %v", id, err)
			}
			q.client.LRem(ctx, ProcessingKey, 1, id)
			continue
		}

		age := now.Sub(job.stuckSince())
		if age <= q.stuckAfter {
			continue
		}

		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s, age=%s)", job.ID, job.Type, age)
		job.Status = JobStatusPending
		job.StartedAt = nil
		job.UpdatedAt = now
		data, err := json.Marshal(job)
		if err != nil {
			return recovered, err
		}

		pipe := q.client.TxPipeline()
		pipe.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL)
		pipe.LRem(ctx, ProcessingKey, 1, id)
		pipe.RPush(ctx, PendingKey, id)
		pipe.HIncrBy(ctx, StatsKey, statRecovered, 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL).Err()
}

// GetJob retrieves a job by ID. Completed jobs are deleted and return redis.Nil.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, JobKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// DeadLetters returns the most recently buried jobs, newest first
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := q.client.LRange(ctx, DeadKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue // expired
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetStats returns queue depths and the lifetime counters
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, PendingKey)
	processing := pipe.LLen(ctx, ProcessingKey)
	delayed := pipe.ZCard(ctx, DelayedKey)
	dead := pipe.LLen(ctx, DeadKey)
	totals := pipe.HGetAll(ctx, StatsKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	stats := &Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
		Totals:     make(map[string]int64),
	}
	for name, raw := range totals.Val() {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats.Totals[name] = n
		}
	}
	return stats, nil
}
