// mock-gateway simulates the payment gateway for local development: it
// accepts a recharge request and delivers a signed webhook to the billing
// engine, including a redelivery knob for exercising idempotency.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/chatpay/billing-engine/internal/logging"
)

type rechargeRequest struct {
	UserID   string `json:"user_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	// Redeliver repeats the webhook with the same transaction id.
	Redeliver int `json:"redeliver"`
}

type webhookPayload struct {
	ExternalTransactionID string `json:"external_transaction_id"`
	UserID                string `json:"user_id"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
	Timestamp             string `json:"timestamp"`
}

func main() {
	logging.Init("mock-gateway", "info", os.Getenv("APP_ENV"))

	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		slog.Error("WEBHOOK_SECRET is required")
		os.Exit(1)
	}
	callbackURL := os.Getenv("WEBHOOK_CALLBACK_URL")
	if callbackURL == "" {
		callbackURL = "http://localhost:8080/api/v1/webhooks/payments"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	})

	mux.HandleFunc("POST /recharge", func(w http.ResponseWriter, r *http.Request) {
		var req rechargeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.Amount <= 0 {
			http.Error(w, "user_id and positive amount required", http.StatusBadRequest)
			return
		}
		if req.Currency == "" {
			req.Currency = "USD"
		}

		payload := webhookPayload{
			ExternalTransactionID: "mock-" + uuid.NewString(),
			UserID:                req.UserID,
			Amount:                req.Amount,
			Currency:              req.Currency,
			Timestamp:             time.Now().UTC().Format(time.RFC3339),
		}

		deliveries := 1 + req.Redeliver
		for i := range deliveries {
			if err := deliver(callbackURL, secret, payload); err != nil {
				slog.Error("webhook delivery failed", "attempt", i+1, "error", err)
				http.Error(w, "delivery failed", http.StatusBadGateway)
				return
			}
		}

		slog.Info("webhook delivered",
			"external_transaction_id", payload.ExternalTransactionID,
			"deliveries", deliveries,
		)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{
			"external_transaction_id": payload.ExternalTransactionID,
		}); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	addr := ":8081"
	slog.Info("mock gateway started", "addr", addr, "callback_url", callbackURL)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func deliver(url, secret string, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deliver: marshal: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deliver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("deliver: unexpected status %d", resp.StatusCode)
	}
	return nil
}
