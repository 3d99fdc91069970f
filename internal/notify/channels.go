package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/telhawk-systems/telhawk-guard/internal/logging"
	"github.com/telhawk-systems/telhawk-guard/internal/messaging"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

const userAgent = "TelHawk-Guard/1.0"

// WebhookChannel sends notifications via HTTP POST.
type WebhookChannel struct {
	URL    string
	client *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookChannel) Type() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	return postJSON(ctx, w.client, w.URL, n, "webhook")
}

// SlackChannel sends notifications to Slack via incoming webhook.
type SlackChannel struct {
	WebhookURL string
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *SlackChannel) Type() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, n *Notification) error {
	fields := []map[string]interface{}{
		{"title": "Severity", "value": string(n.Severity), "short": true},
		{"title": "Kind", "value": string(n.Kind), "short": true},
	}
	if n.ActorKey != "" {
		fields = append(fields, map[string]interface{}{"title": "Actor", "value": n.ActorKey, "short": true})
	}
	if n.IncidentID != "" {
		fields = append(fields, map[string]interface{}{"title": "Incident", "value": n.IncidentID, "short": true})
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("🚨 %s", n.Title),
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(n.Severity),
				"text":   n.Message,
				"fields": fields,
				"footer": "TelHawk Guard",
				"ts":     n.Timestamp.Unix(),
			},
		},
	}
	return postJSON(ctx, s.client, s.WebhookURL, payload, "slack webhook")
}

func severityColor(severity model.Severity) string {
	switch severity {
	case model.SeverityCritical:
		return "#8B0000"
	case model.SeverityHigh:
		return "#FF0000"
	case model.SeverityMedium:
		return "#FFA500"
	case model.SeverityLow:
		return "#FFFF00"
	default:
		return "#808080"
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, what string) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", what, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create %s request: %w", what, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", what, resp.StatusCode)
	}
	return nil
}

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log-based notification channel.
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Type() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, n *Notification) error {
	l.logger.WarnContext(ctx, "SECURITY NOTIFICATION: "+n.Title,
		slog.String("notification_id", n.ID),
		slog.String("kind", string(n.Kind)),
		logging.Severity(string(n.Severity)),
		logging.ActorKey(n.ActorKey),
		logging.IncidentID(n.IncidentID),
		slog.String("message", n.Message))
	return nil
}

// NATSChannel mirrors notifications onto the message bus.
type NATSChannel struct {
	publisher messaging.Publisher
}

// NewNATSChannel creates a bus notification channel.
func NewNATSChannel(p messaging.Publisher) *NATSChannel {
	return &NATSChannel{publisher: p}
}

func (c *NATSChannel) Type() string {
	return "nats"
}

func (c *NATSChannel) Send(ctx context.Context, n *Notification) error {
	return messaging.PublishJSON(ctx, c.publisher, messaging.NotificationSubject(string(n.Kind)), n)
}
