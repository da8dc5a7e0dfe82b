package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// DiscordNotifier posts messages to a Discord webhook. Rate limited (429) and
// server error answers are retried up to MaxTries times.
type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
	MaxTries   uint
}

func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
		MaxTries:   3,
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return errors.New("webhook URL is not set")
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tries := d.MaxTries
	if tries == 0 {
		tries = 1
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.post(ctx, body)
	}, backoff.WithMaxTries(tries))

	return err
}

func (d *DiscordNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return backoff.RetryAfter(retryAfterSeconds(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook failed with status %d", resp.StatusCode))
	}
}

// retryAfterSeconds reads Discord's Retry-After, which may be fractional.
func retryAfterSeconds(v string) int {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 1
	}

	return int(math.Ceil(f))
}
