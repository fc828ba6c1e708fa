// Package notify delivers security events to outbound notification
// channels with retries and severity filtering.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/containrrr/shoutrrr"

	"tradesentry/internal/event"
)

// Channel is an outbound notification target. Send must be safe for
// concurrent use.
type Channel interface {
	Name() string
	MinSeverity() event.Severity
	Send(ctx context.Context, ev *event.SecurityEvent) error
}

// WebhookChannel posts events as JSON to an HTTP endpoint.
type WebhookChannel struct {
	name        string
	url         string
	headers     map[string]string
	minSeverity event.Severity
	client      *http.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string, minSeverity event.Severity) *WebhookChannel {
	return &WebhookChannel{
		name:        name,
		url:         url,
		headers:     headers,
		minSeverity: minSeverity,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) MinSeverity() event.Severity { return w.minSeverity }

func (w *WebhookChannel) Send(ctx context.Context, ev *event.SecurityEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// ShoutrrrChannel delivers events through a shoutrrr service URL
// (slack://, discord://, telegram://, smtp:// and so on).
type ShoutrrrChannel struct {
	name        string
	serviceURL  string
	minSeverity event.Severity
}

// NewShoutrrrChannel creates a shoutrrr-backed channel.
func NewShoutrrrChannel(name, serviceURL string, minSeverity event.Severity) *ShoutrrrChannel {
	return &ShoutrrrChannel{
		name:        name,
		serviceURL:  serviceURL,
		minSeverity: minSeverity,
	}
}

func (s *ShoutrrrChannel) Name() string { return s.name }

func (s *ShoutrrrChannel) MinSeverity() event.Severity { return s.minSeverity }

func (s *ShoutrrrChannel) Send(_ context.Context, ev *event.SecurityEvent) error {
	msg := formatMessage(ev)
	if err := shoutrrr.Send(s.serviceURL, msg); err != nil {
		return fmt.Errorf("shoutrrr send failed: %w", err)
	}
	return nil
}

// formatMessage renders an event as a short human-readable message.
func formatMessage(ev *event.SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(ev.Severity)), ev.Type)
	if ev.Details.Description != "" {
		fmt.Fprintf(&b, ": %s", ev.Details.Description)
	}
	if ev.Source.IP != "" {
		fmt.Fprintf(&b, " (ip=%s)", ev.Source.IP)
	}
	if ev.Source.UserID != "" {
		fmt.Fprintf(&b, " (user=%s)", ev.Source.UserID)
	}
	fmt.Fprintf(&b, " risk=%d id=%s", ev.Details.RiskScore, ev.ID.String()[:8])
	return b.String()
}
