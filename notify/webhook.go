package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"polymarket-copytrade/models"

	"golang.org/x/time/rate"
)

// WebhookChannel POSTs notifications as JSON to a single URL.
type WebhookChannel struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type webhookBody struct {
	UserID string           `json:"user_id"`
	Kind   models.EventKind `json:"kind"`
	Event  Event            `json:"event"`
}

func NewWebhookChannel(url string, ratePerSec float64, timeout time.Duration) *WebhookChannel {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &WebhookChannel{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

// Send succeeds only on a 2xx response.
func (c *WebhookChannel) Send(ctx context.Context, userID string, kind models.EventKind, payload Event) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook: rate limit wait: %w", err)
	}

	body, err := json.Marshal(webhookBody{UserID: userID, Kind: kind, Event: payload})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
