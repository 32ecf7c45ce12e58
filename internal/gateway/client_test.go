package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-resty/resty/v2"

	"github.com/mohib051/grow-stake-daily/pkg/logging"
)

func newTestClient(baseURL string) *Client {
	return &Client{
		http:      resty.New(),
		baseURL:   baseURL,
		keyID:     "key-id",
		keySecret: "key-secret",
		currency:  "INR",
		logger:    logging.NewLogger(),
	}
}

func TestCreateOrder_SendsMinorUnitsAndReturnsID(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key-id" || pass != "key-secret" {
			t.Errorf("missing or wrong basic auth")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"id": "order_test123"}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	orderID, err := client.CreateOrder(context.Background(), 10000, "stake-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if orderID != "order_test123" {
		t.Fatalf("expected order_test123, got %s", orderID)
	}
	if gotBody["amount"] != float64(1000000) {
		t.Fatalf("expected amount in minor units, got %v", gotBody["amount"])
	}
	if gotBody["receipt"] != "stake-1" {
		t.Fatalf("expected receipt stake-1, got %v", gotBody["receipt"])
	}
}

func TestCreateOrder_GatewayErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	if _, err := client.CreateOrder(context.Background(), 10000, "stake-1"); err == nil {
		t.Fatalf("expected error on non-200 response")
	}
}

func TestCreatePayout_ReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payouts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"id": "pout_test123"}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	payoutID, err := client.CreatePayout(context.Background(), 700, "ref-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payoutID != "pout_test123" {
		t.Fatalf("expected pout_test123, got %s", payoutID)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"event":"payment.captured"}`)
	secret := "whsec-test"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	valid := hex.EncodeToString(mac.Sum(nil))

	if !VerifyWebhookSignature(payload, valid, secret) {
		t.Fatalf("expected valid signature to verify")
	}
	if VerifyWebhookSignature(payload, "deadbeef", secret) {
		t.Fatalf("expected invalid signature to fail")
	}
	if VerifyWebhookSignature(payload, valid, "other-secret") {
		t.Fatalf("expected wrong secret to fail")
	}
	if VerifyWebhookSignature(payload, "", secret) {
		t.Fatalf("expected empty signature to fail")
	}
}
