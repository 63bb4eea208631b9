package jobqueue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobType(t *testing.T) {
	tests := []struct {
		name     string
		jobType  JobType
		expected string
	}{
		{"Billing Notice", JobTypeBillingNotice, "billing_notice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.jobType))
		})
	}
}

func TestJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{"Pending", JobStatusPending, "pending"},
		{"Processing", JobStatusProcessing, "processing"},
		{"Completed", JobStatusCompleted, "completed"},
		{"Retrying", JobStatusRetrying, "retrying"},
		{"Dead", JobStatusDead, "dead"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.status))
		})
	}
}

func TestJob_Begin(t *testing.T) {
	created := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	job := newJob("job-1", JobTypeBillingNotice, nil, 3, created)
	next := created.Add(time.Minute)
	job.NextAttemptAt = &next

	started := created.Add(2 * time.Minute)
	job.begin(started)

	assert.Equal(t, JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, started, *job.StartedAt)
	assert.Nil(t, job.NextAttemptAt)
	assert.Equal(t, started, job.stuckSince())
}

func TestJob_FailBacksOffExponentially(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	job := newJob("job-1", JobTypeBillingNotice, nil, 4, now)

	expected := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, delay := range expected {
		job.begin(now)
		retry := job.fail(errors.New("smtp down"), time.Minute, now)

		require.True(t, retry, "attempt %d", i+1)
		assert.Equal(t, JobStatusRetrying, job.Status)
		require.NotNil(t, job.NextAttemptAt)
		assert.Equal(t, now.Add(delay), *job.NextAttemptAt)
		assert.Nil(t, job.StartedAt)
	}

	job.begin(now)
	assert.False(t, job.fail(errors.New("smtp down"), time.Minute, now))
	assert.Equal(t, JobStatusDead, job.Status)
	assert.Equal(t, "smtp down", job.LastError)
	assert.Nil(t, job.NextAttemptAt)
}

func TestJob_StuckSinceFallsBack(t *testing.T) {
	created := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	job := &Job{CreatedAt: created}
	assert.Equal(t, created, job.stuckSince())

	job.UpdatedAt = created.Add(time.Minute)
	assert.Equal(t, created.Add(time.Minute), job.stuckSince())
}

func TestBillingNoticeJobPayload_ToMap(t *testing.T) {
	expires := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	payload := BillingNoticeJobPayload{
		Kind:      "receipt",
		UserID:    7,
		PaymentID: 12,
		Amount:    999,
		Currency:  "EUR",
		ExpiresAt: &expires,
	}

	expected := map[string]interface{}{
		"kind":       "receipt",
		"user_id":    uint(7),
		"payment_id": uint(12),
		"amount":     int64(999),
		"currency":   "EUR",
		"expires_at": "2026-03-02T10:00:00Z",
	}
	assert.Equal(t, expected, payload.ToMap())
}

func TestBillingNoticeJobPayload_ToMapOmitsEmptyFields(t *testing.T) {
	payload := BillingNoticeJobPayload{Kind: "subscription_expired", UserID: 3}

	result := payload.ToMap()

	assert.Len(t, result, 2)
	assert.NotContains(t, result, "checkout_url")
	assert.NotContains(t, result, "expires_at")
}

func TestBillingNoticeJobPayloadFromMap_AfterJobRoundTrip(t *testing.T) {
	expires := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	job := Job{
		ID:   "job-1",
		Type: JobTypeBillingNotice,
		Payload: BillingNoticeJobPayload{
			Kind:        "renewal_invoice",
			UserID:      7,
			Amount:      999,
			Currency:    "EUR",
			CheckoutURL: "https://gateway.test/pay/1",
			ExpiresAt:   &expires,
		}.ToMap(),
	}

	// Payloads come back from Redis with JSON numbers as float64
	data, err := json.Marshal(job)
	require.NoError(t, err)
	var stored Job
	require.NoError(t, json.Unmarshal(data, &stored))

	payload, err := BillingNoticeJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, "renewal_invoice", payload.Kind)
	assert.Equal(t, uint(7), payload.UserID)
	assert.Equal(t, int64(999), payload.Amount)
	assert.Equal(t, "https://gateway.test/pay/1", payload.CheckoutURL)
	require.NotNil(t, payload.ExpiresAt)
	assert.True(t, expires.Equal(*payload.ExpiresAt))
}
