package billing

import "errors"

var (
	// ErrUnknownPayment is returned when a gateway payment id has no ledger row.
	ErrUnknownPayment = errors.New("unknown payment")
	// ErrSignatureInvalid is returned for webhook payloads failing HMAC verification.
	ErrSignatureInvalid = errors.New("invalid webhook signature")
	// ErrInvalidWebhookPayload is returned for signed bodies that do not decode.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")
	// ErrGatewayUnavailable wraps every failed outbound gateway call.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrRenewalExhausted marks a subscription whose renewal attempts are used
	// up and whose grace window is over. Expiry owns it from here.
	ErrRenewalExhausted = errors.New("renewal attempts exhausted")

	ErrNoSubscription      = errors.New("no open subscription")
	ErrNotPendingRenewal   = errors.New("subscription is not pending renewal")
	ErrInvalidDiscountCode = errors.New("invalid discount code")
)
