package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	GatewayStatusSuccess   = "success"
	GatewayStatusFailed    = "failed"
	GatewayStatusCancelled = "cancelled"
	GatewayStatusPending   = "pending"
)

// Gateway is the outbound side of the payment provider.
type Gateway interface {
	InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResponse, error)
	GetPayment(ctx context.Context, gatewayPaymentID string) (*GatewayPayment, error)
}

// PaymentMetadata is echoed back by the provider in webhooks.
type PaymentMetadata struct {
	UserID    uint   `json:"userId"`
	PaymentID string `json:"paymentId"`
	Type      string `json:"type"`
}

type InitializeRequest struct {
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Customer    string          `json:"customer"`
	ReturnURL   string          `json:"returnUrl,omitempty"`
	Metadata    PaymentMetadata `json:"metadata"`
}

type InitializeResponse struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkoutUrl"`
}

// GatewayPayment is the provider's view of a single payment.
type GatewayPayment struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// GatewayClient talks to the provider REST API. It keeps no state between
// calls; every call is bounded by HTTPClient.Timeout and the caller's ctx.
type GatewayClient struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

func NewGatewayClient(cfg Config) *GatewayClient {
	return &GatewayClient{
		BaseURL:   strings.TrimRight(cfg.GatewayBaseURL, "/"),
		SecretKey: strings.TrimSpace(cfg.GatewaySecretKey),
		HTTPClient: &http.Client{
			Timeout: cfg.GatewayTimeout,
		},
	}
}

func (c *GatewayClient) InitializePayment(ctx context.Context, in InitializeRequest) (*InitializeResponse, error) {
	if in.Amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/payments/initialize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: initialize failed: status=%d body=%s", ErrGatewayUnavailable, status, string(body))
	}

	var out InitializeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed initialize response: %v", ErrGatewayUnavailable, err)
	}
	if strings.TrimSpace(out.ID) == "" || strings.TrimSpace(out.CheckoutURL) == "" {
		return nil, fmt.Errorf("%w: initialize response without id or checkoutUrl", ErrGatewayUnavailable)
	}
	return &out, nil
}

func (c *GatewayClient) GetPayment(ctx context.Context, gatewayPaymentID string) (*GatewayPayment, error) {
	id := strings.TrimSpace(gatewayPaymentID)
	if id == "" {
		return nil, ErrUnknownPayment
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/payments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrUnknownPayment
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: payment lookup failed: status=%d body=%s", ErrGatewayUnavailable, status, string(body))
	}

	var out GatewayPayment
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed payment response: %v", ErrGatewayUnavailable, err)
	}
	out.Status = strings.ToLower(strings.TrimSpace(out.Status))
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

func (c *GatewayClient) do(req *http.Request) ([]byte, int, error) {
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}
	return body, resp.StatusCode, nil
}
