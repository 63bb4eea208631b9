package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Gateway-Signature"
	DeliveryHeader  = "X-Gateway-Delivery"
)

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw payload.
// A "sha256=" prefix on the header value is accepted.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")

	decodedSig, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(signPayload(payload, []byte(secret)), decodedSig)
}

// SignWebhookPayload returns the header value the provider would send.
func SignWebhookPayload(payload []byte, webhookSecret string) string {
	return hex.EncodeToString(signPayload(payload, []byte(strings.TrimSpace(webhookSecret))))
}

func signPayload(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
