package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"webhookq/internal/store"
)

// HTTPHandler forwards item payloads to a downstream processor endpoint.
// Any non-2xx response is a transient failure routed through backoff.
func HTTPHandler(endpoint string, client *http.Client) Handler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, item store.QueueItem) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(item.Payload))
		if err != nil {
			return fmt.Errorf("build handler request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Id", item.WebhookID)
		req.Header.Set("X-Webhook-Type", item.Type)
		req.Header.Set("X-Tracking-Id", item.TrackingID)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("forward webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("handler returned %d: %s", resp.StatusCode, body)
		}
		return nil
	}
}
