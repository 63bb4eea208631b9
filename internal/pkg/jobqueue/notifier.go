package jobqueue

import (
	"context"

	"github.com/ManuelReschke/PixelVault/internal/pkg/billing"
)

// NoticeNotifier queues billing notices as jobs so mail delivery never blocks the ledger.
type NoticeNotifier struct {
	queue *Queue
}

func NewNoticeNotifier(q *Queue) *NoticeNotifier {
	return &NoticeNotifier{queue: q}
}

// Notify implements billing.Notifier
func (n *NoticeNotifier) Notify(ctx context.Context, notice billing.Notice) error {
	payload := BillingNoticeJobPayload{
		Kind:           string(notice.Kind),
		UserID:         notice.UserID,
		PaymentID:      notice.PaymentID,
		SubscriptionID: notice.SubscriptionID,
		Amount:         notice.Amount,
		Currency:       notice.Currency,
		CheckoutURL:    notice.CheckoutURL,
		ExpiresAt:      notice.ExpiresAt,
	}
	_, err := n.queue.EnqueueJob(ctx, JobTypeBillingNotice, payload.ToMap())
	return err
}
