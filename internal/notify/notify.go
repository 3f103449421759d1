// Package notify delivers reservation lifecycle events to an external
// webhook endpoint.
//
// Delivery is at-most-once from the caller's perspective: the reconciler
// only emits an event after the guarded status update succeeds, so a lost
// CAS race never produces a duplicate notification.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brickvest/reservd/internal/logging"
	"github.com/brickvest/reservd/internal/retry"
)

// Event types emitted by the reservation core.
const (
	EventReservationActive    = "reservation_active"
	EventReservationCompleted = "reservation_completed"
	EventReservationCancelled = "reservation_cancelled"
	EventEscrowFlagged        = "escrow_flagged"
)

// Event is one lifecycle notification.
type Event struct {
	Type        string    `json:"type"`
	OperationID string    `json:"operationId"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// -----------------------------------------------------------------------------
// Webhook notifier
// -----------------------------------------------------------------------------

// WebhookNotifier POSTs events as JSON to a configured endpoint, signed
// with an HMAC-SHA256 of the body.
type WebhookNotifier struct {
	url     string
	secret  []byte
	client  *http.Client
	retries int
}

// NewWebhook creates a webhook notifier. secret may be empty, in which
// case the signature header is omitted.
func NewWebhook(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: 10 * time.Second},
		retries: 3,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	return retry.Do(ctx, w.retries, 500*time.Millisecond, func() error {
		return w.post(ctx, body)
	})
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		req.Header.Set("X-Reservd-Signature", Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Endpoint rejected the payload; retrying cannot help.
		return retry.Permanent(fmt.Errorf("notify: webhook returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret. Receivers
// recompute it to authenticate deliveries.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// -----------------------------------------------------------------------------
// Log notifier
// -----------------------------------------------------------------------------

// LogNotifier writes events to the structured log. Used in demo mode and
// whenever no webhook URL is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	logging.L(ctx).Info("reservation event",
		"type", ev.Type,
		"operation_id", ev.OperationID,
		"status", ev.Status,
		"reason", ev.Reason,
	)
	return nil
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = LogNotifier{}
)
