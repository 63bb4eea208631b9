package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeBillingNotice JobType = "billing_notice"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusDead       JobStatus = "dead"
)

// Job is one unit of background work stored as JSON under its own key
type Job struct {
	ID            string                 `json:"id"`
	Type          JobType                `json:"type"`
	Status        JobStatus              `json:"status"`
	Payload       map[string]interface{} `json:"payload"`
	Attempts      int                    `json:"attempts"`
	MaxAttempts   int                    `json:"max_attempts"`
	LastError     string                 `json:"last_error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	NextAttemptAt *time.Time             `json:"next_attempt_at,omitempty"`
}

func newJob(id string, jobType JobType, payload map[string]interface{}, maxAttempts int, now time.Time) *Job {
	return &Job{
		ID:          id,
		Type:        jobType,
		Status:      JobStatusPending,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (j *Job) begin(now time.Time) {
	j.Status = JobStatusProcessing
	j.Attempts++
	j.StartedAt = &now
	j.NextAttemptAt = nil
	j.UpdatedAt = now
}

// fail records err and either schedules another attempt after
// base * 2^(attempts-1) or buries the job. It reports whether a retry was scheduled.
func (j *Job) fail(err error, base time.Duration, now time.Time) bool {
	j.LastError = err.Error()
	j.UpdatedAt = now
	j.StartedAt = nil
	if j.Attempts >= j.MaxAttempts {
		j.Status = JobStatusDead
		j.NextAttemptAt = nil
		return false
	}
	next := now.Add(base << (j.Attempts - 1))
	j.Status = JobStatusRetrying
	j.NextAttemptAt = &next
	return true
}

// stuckSince returns when the current attempt started
func (j *Job) stuckSince() time.Time {
	if j.StartedAt != nil && !j.StartedAt.IsZero() {
		return *j.StartedAt
	}
	if !j.UpdatedAt.IsZero() {
		return j.UpdatedAt
	}
	return j.CreatedAt
}

// BillingNoticeJobPayload carries one billing email to be rendered and sent
type BillingNoticeJobPayload struct {
	Kind           string     `json:"kind"`
	UserID         uint       `json:"user_id"`
	PaymentID      uint       `json:"payment_id,omitempty"`
	SubscriptionID uint       `json:"subscription_id,omitempty"`
	Amount         int64      `json:"amount,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	CheckoutURL    string     `json:"checkout_url,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func (p BillingNoticeJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"kind":    p.Kind,
		"user_id": p.UserID,
	}
	if p.PaymentID != 0 {
		m["payment_id"] = p.PaymentID
	}
	if p.SubscriptionID != 0 {
		m["subscription_id"] = p.SubscriptionID
	}
	if p.Amount != 0 {
		m["amount"] = p.Amount
		m["currency"] = p.Currency
	}
	if p.CheckoutURL != "" {
		m["checkout_url"] = p.CheckoutURL
	}
	if p.ExpiresAt != nil {
		m["expires_at"] = p.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return m
}

func BillingNoticeJobPayloadFromMap(data map[string]interface{}) (*BillingNoticeJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload BillingNoticeJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}
