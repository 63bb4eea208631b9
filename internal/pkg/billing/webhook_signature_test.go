package billing

import (
	"strings"
	"testing"
)

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"event":"payment.success","data":{"id":"pay_1"}}`)
	secret := "whsec_test"
	sig := SignWebhookPayload(payload, secret)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		want    bool
	}{
		{"valid", payload, sig, secret, true},
		{"valid with prefix", payload, "sha256=" + sig, secret, true},
		{"valid upper case", payload, strings.ToUpper(sig), secret, true},
		{"tampered body", []byte(`{"event":"payment.success","data":{"id":"pay_2"}}`), sig, secret, false},
		{"wrong secret", payload, sig, "other", false},
		{"missing header", payload, "", secret, false},
		{"missing secret", payload, sig, "", false},
		{"not hex", payload, "zz-not-hex", secret, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyWebhookSignature(tt.payload, tt.header, tt.secret); got != tt.want {
				t.Fatalf("VerifyWebhookSignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
