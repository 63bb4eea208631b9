package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelVault/app/repository"
	"github.com/ManuelReschke/PixelVault/internal/pkg/billing"
	"github.com/ManuelReschke/PixelVault/internal/pkg/database"
)

// MailFunc sends one HTML email
type MailFunc func(to, subject, body string) error

// EmailLookup resolves the address a user's billing mail goes to
type EmailLookup func(ctx context.Context, userID uint) (string, error)

// ErrNoRecipient is returned when a notice's user has no usable address.
// Such jobs are dropped instead of retried.
var ErrNoRecipient = errors.New("notice has no recipient")

func lookupUserEmail(ctx context.Context, userID uint) (string, error) {
	email, err := repository.NewUserRepository(database.GetDB()).GetEmailByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoRecipient
	}
	if err != nil {
		return "", err
	}
	return email, nil
}

// processBillingNoticeJob renders a billing notice and hands it to the mailer
func (q *Queue) processBillingNoticeJob(ctx context.Context, job *Job) error {
	payload, err := BillingNoticeJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid billing notice payload: %w", err)
	}

	to, err := q.findEmail(ctx, payload.UserID)
	if errors.Is(err, ErrNoRecipient) || (err == nil && to == "") {
		log.Warnf("[JobQueue] Dropping %s notice for user %d: no recipient", payload.Kind, payload.UserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup recipient for user %d: %w", payload.UserID, err)
	}

	subject, body, err := renderNotice(payload)
	if err != nil {
		// Unknown kinds never become sendable, so do not retry them.
		log.Warnf("[JobQueue] Dropping notice job %s: %v", job.ID, err)
		return nil
	}

	if err := q.sendMail(to, subject, body); err != nil {
		return fmt.Errorf("send %s notice: %w", payload.Kind, err)
	}
	log.Infof("[JobQueue] Sent %s notice to user %d", payload.Kind, payload.UserID)
	return nil
}

func renderNotice(p *BillingNoticeJobPayload) (string, string, error) {
	switch billing.NoticeKind(p.Kind) {
	case billing.NoticeReceipt:
		body := fmt.Sprintf("<p>Thank you, we received your payment of %s.</p>", formatAmount(p.Amount, p.Currency))
		if p.ExpiresAt != nil {
			body += fmt.Sprintf("<p>Your premium subscription is active until %s.</p>", formatDate(*p.ExpiresAt))
		}
		return "Payment received", body, nil
	case billing.NoticeRenewalInvoice:
		body := fmt.Sprintf("<p>Your premium subscription is due for renewal. Amount due: %s.</p>", formatAmount(p.Amount, p.Currency))
		if p.CheckoutURL != "" {
			u := html.EscapeString(p.CheckoutURL)
			body += fmt.Sprintf(`<p><a href="%s">Pay now</a></p>`, u)
		}
		return "Your subscription renewal", body, nil
	case billing.NoticePaymentFailed:
		body := "<p>Your last payment did not go through. You can retry it any time with \"Pay now\" in your account settings.</p>"
		return "Payment failed", body, nil
	case billing.NoticeSubscriptionExpired:
		return "Your subscription has expired", "<p>Your premium subscription has expired. You can start a new one from your account settings.</p>", nil
	case billing.NoticeSubscriptionCancelled:
		return "Your subscription was cancelled", "<p>Your premium subscription has been cancelled. No further payments will be requested.</p>", nil
	default:
		return "", "", fmt.Errorf("unknown notice kind %q", p.Kind)
	}
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, html.EscapeString(currency))
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
