// Package notify posts audit notifications to a Discord-style webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fletling/trainervault/internal/metrics"
)

// Embed colors used for lifecycle notices.
const (
	ColorRed    = 0xE74C3C
	ColorOrange = 0xE67E22
	ColorGreen  = 0x2ECC71
)

// Embed is one Discord embed object.
type Embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

// payload is the fixed wire shape webhook endpoints expect.
type payload struct {
	Embeds []Embed `json:"embeds"`
}

// Classified webhook failures, distinguished so operators can tell a dead
// endpoint from a slow one in the logs.
var (
	ErrWebhookStatus  = errors.New("webhook returned error status")
	ErrWebhookTimeout = errors.New("webhook timed out")
)

// Webhook posts JSON embeds to a single endpoint with a bounded timeout.
// Posting is best effort: callers log failures but never fail their own
// operation because the audit endpoint is down.
type Webhook struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// New builds a Webhook for the given endpoint. A zero timeout defaults to
// four seconds, matching what the audit endpoint tolerates.
func New(url string, timeout time.Duration, logger *zap.Logger) *Webhook {
	metrics.Init()
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("webhook"),
	}
}

// Enabled reports whether an endpoint is configured.
func (w *Webhook) Enabled() bool {
	return w != nil && w.url != ""
}

// Post sends one embed. The returned error is classified as status, timeout
// or transport failure.
func (w *Webhook) Post(ctx context.Context, embed Embed) error {
	if !w.Enabled() {
		return nil
	}

	body, err := json.Marshal(payload{Embeds: []Embed{embed}})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			w.logger.Error("webhook timed out", zap.String("url", w.url))
			metrics.ObserveWebhookPost("timeout")
			return fmt.Errorf("post webhook: %w", ErrWebhookTimeout)
		}
		w.logger.Error("webhook transport failure", zap.String("url", w.url), zap.Error(err))
		metrics.ObserveWebhookPost("transport")
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		w.logger.Error("webhook rejected payload",
			zap.String("url", w.url),
			zap.Int("status", resp.StatusCode),
		)
		metrics.ObserveWebhookPost("status")
		return fmt.Errorf("post webhook: %w: %d", ErrWebhookStatus, resp.StatusCode)
	}

	metrics.ObserveWebhookPost("ok")
	return nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
