package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/pkg/logging"
)

// EntitlementChange is one changed entitlement, as reported to the app backend
type EntitlementChange struct {
	Entitlement    string     `json:"entitlement"`
	ExpiresAt      *time.Time `json:"expires_at"`
	SubscriptionID *string    `json:"subscription_id,omitempty"`
	Active         bool       `json:"active"`
}

// WebhookPayload represents the payload sent to App Backend
type WebhookPayload struct {
	Event                 string              `json:"event"` // "entitlement.updated"
	AppUserID             string              `json:"app_user_id"`
	Store                 models.Store        `json:"store"`
	OriginalTransactionID string              `json:"original_transaction_id"`
	EventKind             models.EventKind    `json:"event_kind"`
	Entitlements          []EntitlementChange `json:"entitlements"`
	Timestamp             string              `json:"timestamp"` // ISO 8601 format
}

// WebhookNotifier handles webhook notifications to App Backend
type WebhookNotifier struct {
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second, // 10 second timeout
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// NotifyAppBackend sends the payload to the credential's callback URL.
// Runs synchronously; callers start it in a goroutine to avoid blocking the webhook response.
func (wn *WebhookNotifier) NotifyAppBackend(ctx context.Context, credential *models.StoreCredential, payload WebhookPayload) error {
	if credential == nil || credential.WebhookCallbackURL == "" {
		// No webhook configured, skip
		return nil
	}
	sort.Slice(payload.Entitlements, func(i, j int) bool {
		return payload.Entitlements[i].Entitlement < payload.Entitlements[j].Entitlement
	})
	if payload.Event == "" {
		payload.Event = "entitlement.updated"
	}
	if payload.Timestamp == "" {
		payload.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return wn.sendWithRetry(ctx, credential.WebhookCallbackURL, credential.WebhookSecret, payload)
}

// sendWithRetry sends webhook with retry mechanism
// Retry schedule: 1s, 5s, 30s (3 attempts total)
func (wn *WebhookNotifier) sendWithRetry(ctx context.Context, callbackURL, secret string, payload WebhookPayload) error {
	maxRetries := len(wn.retryDelays)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = wn.sendWebhook(ctx, callbackURL, secret, payload)
		if lastErr == nil {
			logging.Infof("Webhook notification sent successfully - url: %s, user: %s, attempt: %d",
				callbackURL, payload.AppUserID, attempt+1)
			return nil
		}

		logging.Errorf("Webhook notification failed - url: %s, user: %s, attempt: %d, error: %v",
			callbackURL, payload.AppUserID, attempt+1, lastErr)

		// If not the last attempt, wait before retry
		if attempt < maxRetries-1 {
			select {
			case <-time.After(wn.retryDelays[attempt]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("webhook notification failed after %d attempts: %w", maxRetries, lastErr)
}

// sendWebhook sends a single webhook request
func (wn *WebhookNotifier) sendWebhook(ctx context.Context, callbackURL, secret string, payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Entitlement-Reconciler-Webhook/1.0")

	// Add signature if secret is provided
	if secret != "" {
		req.Header.Set("X-Reconciler-Signature", GenerateSignature(jsonData, secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// GenerateSignature generates HMAC-SHA256 signature for webhook payload
func GenerateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
