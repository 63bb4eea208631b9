package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelVault/app/models"
)

const (
	EventPaymentSuccess   = "payment.success"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
)

// WebhookEvent is the provider notification body.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		ID       string          `json:"id"`
		Metadata json.RawMessage `json:"metadata,omitempty"`
	} `json:"data"`
}

// WebhookOutcome summarizes what a webhook event did to the ledger.
type WebhookOutcome struct {
	Event     string
	Ignored   bool
	Duplicate bool
	Changed   bool
}

// ParseWebhookEvent decodes a verified webhook body.
func ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	ev.Event = strings.ToLower(strings.TrimSpace(ev.Event))
	ev.Data.ID = strings.TrimSpace(ev.Data.ID)
	if ev.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidWebhookPayload)
	}
	return &ev, nil
}

// ProcessWebhook verifies, logs and applies one webhook delivery. The
// signature is checked before anything is stored. A delivery whose event was
// already processed successfully is answered as duplicate without touching
// the ledger; one whose earlier processing failed is processed again.
func (s *Service) ProcessWebhook(ctx context.Context, rawBody []byte, signature, deliveryID string) (*WebhookOutcome, error) {
	if !VerifyWebhookSignature(rawBody, signature, s.cfg.WebhookSecret) {
		s.metrics.Incr(models.MetricWebhooksRejected, 1)
		log.Warnf("[Webhook] rejected delivery %q: invalid signature", deliveryID)
		return nil, ErrSignatureInvalid
	}

	ev, err := ParseWebhookEvent(rawBody)
	if err != nil {
		return nil, err
	}

	_, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        models.BillingProviderGateway,
		ProviderEventID: deliveryID,
		EventType:       ev.Event,
		PaymentRef:      ev.Data.ID,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("record webhook event: %w", err)
	}
	if stored.IsSettled() {
		log.Debugf("[Webhook] delivery %s already processed", stored.ProviderEventID)
		return &WebhookOutcome{Event: ev.Event, Duplicate: true}, nil
	}

	out, handleErr := s.HandleWebhookEvent(ctx, ev)
	if err := s.MarkWebhookProcessed(ctx, stored.ID, handleErr); err != nil {
		log.Errorf("[Webhook] failed to mark event %d processed: %v", stored.ID, err)
	}
	if handleErr != nil {
		return nil, handleErr
	}
	return out, nil
}

// HandleWebhookEvent routes a verified event to the matching ledger transition.
func (s *Service) HandleWebhookEvent(ctx context.Context, ev *WebhookEvent) (*WebhookOutcome, error) {
	out := &WebhookOutcome{Event: ev.Event}

	switch ev.Event {
	case EventPaymentSuccess:
		res, err := s.ApplySuccessfulPayment(ctx, ev.Data.ID)
		if err != nil {
			return nil, s.webhookError(ev, err)
		}
		out.Duplicate = res.Duplicate
		out.Changed = res.Subscription != nil
	case EventPaymentFailed:
		_, changed, err := s.MarkPaymentFailed(ctx, ev.Data.ID)
		if err != nil {
			return nil, s.webhookError(ev, err)
		}
		out.Changed = changed
	case EventPaymentCancelled:
		_, changed, err := s.MarkPaymentCancelled(ctx, ev.Data.ID)
		if err != nil {
			return nil, s.webhookError(ev, err)
		}
		out.Changed = changed
	default:
		log.Infof("[Webhook] ignoring event type %q", ev.Event)
		out.Ignored = true
	}
	return out, nil
}

func (s *Service) webhookError(ev *WebhookEvent, err error) error {
	if errors.Is(err, ErrUnknownPayment) {
		s.metrics.Incr(models.MetricWebhooksUnknownPayment, 1)
		log.Warnf("[Webhook] %s for unknown payment %q", ev.Event, ev.Data.ID)
	}
	return err
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PaymentRef:      strings.TrimSpace(in.PaymentRef),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}
