// Package notify tells the secondary notification channel that a user's
// messaging client became ready. Delivery is owned by the receiver.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/logging"
)

type Notifier interface {
	ChannelReady(ctx context.Context, userID string) error
}

// LogNotifier only logs; it is used when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) ChannelReady(_ context.Context, userID string) error {
	log.Printf("[notify] channel ready for %s", logging.Sanitize(userID))
	return nil
}

const EventChannelReady = "channel_ready"

type payload struct {
	UserID string `json:"userId"`
	Event  string `json:"event"`
}

// Webhook POSTs a JSON fact to URL. Server errors and transport failures
// are retried a few times; client errors are not.
type Webhook struct {
	URL    string
	Client *http.Client
	// Attempts bounds the number of requests per notification.
	Attempts uint64
	Backoff  time.Duration
}

var defaultClient = &http.Client{Timeout: 10 * time.Second}

func (w *Webhook) ChannelReady(ctx context.Context, userID string) error {
	body, err := json.Marshal(payload{UserID: userID, Event: EventChannelReady})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	attempts := w.Attempts
	if attempts == 0 {
		attempts = 3
	}
	base := w.Backoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	b := retry.WithMaxRetries(attempts-1, retry.NewExponential(base))

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		return w.post(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("channel ready webhook: %w", err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	client := w.Client
	if client == nil {
		client = defaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(msg))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(err)
		}
		return err
	}
	return nil
}

// New returns a Webhook for a non-empty url and a LogNotifier otherwise.
func New(url string) Notifier {
	if url == "" {
		return LogNotifier{}
	}
	return &Webhook{URL: url}
}
