package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

// WebhookSource is sent in the X-Webhook-Source header of every delivery
const WebhookSource = "messenger-webhook"

// Webhook posts relay payloads to the workflow engine. Delivery is a single
// best-effort attempt; failures are logged and never returned to the caller.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     arbor.ILogger
	inflight   *common.Background
}

// NewWebhook creates the relay. An empty URL disables delivery.
func NewWebhook(config common.RelayConfig, logger arbor.ILogger) *Webhook {
	return &Webhook{
		url: config.WebhookURL,
		httpClient: &http.Client{
			Timeout: common.ParseDuration(config.WebhookTimeout, 10*time.Second),
		},
		logger:   logger,
		inflight: common.NewBackground(logger),
	}
}

// Deliver sends payload in the background
func (w *Webhook) Deliver(payload *models.RelayPayload) {
	if w.url == "" {
		w.logger.Debug().Str("type", payload.Type).Msg("Relay webhook not configured, payload dropped")
		return
	}

	w.inflight.Go("relayDelivery", func() {
		if err := w.Send(context.Background(), payload); err != nil {
			w.logger.Warn().
				Err(err).
				Str("type", payload.Type).
				Str("session_id", payload.SessionID).
				Msg("Relay delivery failed")
		}
	})
}

// Send posts payload and waits for the response
func (w *Webhook) Send(ctx context.Context, payload *models.RelayPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal payload: %v", interfaces.ErrRelayDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrRelayDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Source", WebhookSource)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrRelayDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: webhook returned status %d", interfaces.ErrRelayDelivery, resp.StatusCode)
	}

	w.logger.Debug().Str("type", payload.Type).Int("status", resp.StatusCode).Msg("Relay payload delivered")
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx is done
func (w *Webhook) Wait(ctx context.Context) error {
	return w.inflight.Wait(ctx)
}
