// Package gateway integrates the external payment collaborator. The
// engine only initiates orders and payouts here; outcomes arrive
// asynchronously on the webhook and are verified by signature.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/mohib051/grow-stake-daily/pkg/config"
	"github.com/mohib051/grow-stake-daily/pkg/logging"
)

// Client talks to a Razorpay-style payment gateway
type Client struct {
	http          *resty.Client
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	currency      string
	logger        logging.Logger
}

// NewClientFromEnv builds a gateway client from environment configuration.
// Returns nil when no credentials are configured, in which case gateway
// funding and external payouts are unavailable.
func NewClientFromEnv(logger logging.Logger) *Client {
	keyID := config.GetEnv("GATEWAY_KEY_ID", "")
	keySecret := config.GetEnv("GATEWAY_KEY_SECRET", "")
	if keyID == "" || keySecret == "" {
		logger.Warn("Payment gateway credentials not configured")
		return nil
	}

	return &Client{
		http:          resty.New(),
		baseURL:       config.GetEnv("GATEWAY_BASE_URL", "https://api.razorpay.com"),
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: config.GetEnv("GATEWAY_WEBHOOK_SECRET", ""),
		currency:      config.GetEnv("GATEWAY_CURRENCY", "INR"),
		logger:        logger,
	}
}

// WebhookSecret returns the secret used to verify webhook signatures
func (c *Client) WebhookSecret() string {
	return c.webhookSecret
}

// CreateOrder creates a gateway order for the given amount and returns
// the gateway's order ID. Amounts are whole currency units; the gateway
// API takes minor units.
func (c *Client) CreateOrder(ctx context.Context, amount int64, receipt string) (string, error) {
	var result map[string]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.keyID, c.keySecret).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"amount":   amount * 100,
			"currency": c.currency,
			"receipt":  receipt,
		}).
		SetResult(&result).
		Post(c.baseURL + "/v1/orders")
	if err != nil {
		return "", fmt.Errorf("gateway order request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("gateway returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	orderID, ok := result["id"].(string)
	if !ok {
		return "", fmt.Errorf("invalid gateway response: missing order ID")
	}

	c.logger.WithFields(logging.Fields{
		"order_id": orderID,
		"amount":   amount,
		"receipt":  receipt,
	}).Info("Created gateway order")
	return orderID, nil
}

// CreatePayout initiates an outbound transfer for a withdrawal and
// returns the gateway's payout ID.
func (c *Client) CreatePayout(ctx context.Context, amount int64, reference string) (string, error) {
	var result map[string]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.keyID, c.keySecret).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"amount":       amount * 100,
			"currency":     c.currency,
			"reference_id": reference,
			"purpose":      "payout",
		}).
		SetResult(&result).
		Post(c.baseURL + "/v1/payouts")
	if err != nil {
		return "", fmt.Errorf("gateway payout request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("gateway returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	payoutID, ok := result["id"].(string)
	if !ok {
		return "", fmt.Errorf("invalid gateway response: missing payout ID")
	}

	c.logger.WithFields(logging.Fields{
		"payout_id": payoutID,
		"amount":    amount,
		"reference": reference,
	}).Info("Created gateway payout")
	return payoutID, nil
}

// VerifyWebhookSignature checks the HMAC-SHA256 hex signature the gateway
// sends with each webhook delivery
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
