package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"dbvault/internal/config"
	"dbvault/internal/logging"
)

// EventStatus is the outcome carried by a notification
type EventStatus string

const (
	EventSucceeded EventStatus = "succeeded"
	EventFailed    EventStatus = "failed"
	EventPartial   EventStatus = "partial"
)

// Event describes a finished operation
type Event struct {
	Operation string      `json:"operation"`
	Status    EventStatus `json:"status"`
	Backup    string      `json:"backup,omitempty"`
	Target    string      `json:"target,omitempty"`
	Message   string      `json:"message"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notifier delivers events. Delivery is best-effort: Notify never fails
// the operation that produced the event.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NopNotifier drops every event
type NopNotifier struct{}

// Notify implements Notifier
func (NopNotifier) Notify(context.Context, Event) {}

// NotificationChannel is one delivery route
type NotificationChannel interface {
	Send(ctx context.Context, event Event) error
	GetType() string
}

// NotificationManager fans events out to the configured channels
type NotificationManager struct {
	logger       *logging.Logger
	channels     []NotificationChannel
	timeout      time.Duration
	onlyFailures bool
}

// NewNotificationManager creates a manager for cfg. With notifications
// disabled it has no channels and Notify does nothing.
func NewNotificationManager(cfg config.NotificationConfig, logger *logging.Logger) *NotificationManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nm := &NotificationManager{logger: logger, timeout: timeout, onlyFailures: cfg.OnlyFailures}
	if !cfg.Enabled {
		return nm
	}

	client := &http.Client{Timeout: timeout}
	if cfg.WebhookURL != "" {
		nm.channels = append(nm.channels, &WebhookChannel{url: cfg.WebhookURL, client: client})
	}
	if cfg.SlackWebhook != "" {
		nm.channels = append(nm.channels, &SlackChannel{webhookURL: cfg.SlackWebhook, channel: cfg.SlackChannel, client: client})
	}
	if cfg.File != "" {
		nm.channels = append(nm.channels, &FileChannel{path: cfg.File})
	}
	return nm
}

// Channels returns the configured channels
func (nm *NotificationManager) Channels() []NotificationChannel {
	return nm.channels
}

// Notify implements Notifier. Channel errors are logged and swallowed.
func (nm *NotificationManager) Notify(ctx context.Context, event Event) {
	if nm.onlyFailures && event.Status == EventSucceeded {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, ch := range nm.channels {
		sendCtx, cancel := context.WithTimeout(ctx, nm.timeout)
		err := ch.Send(sendCtx, event)
		cancel()
		if err != nil {
			nm.logger.WithFields(map[string]interface{}{
				"channel":   ch.GetType(),
				"operation": event.Operation,
			}).WithError(err).Warn("Failed to deliver notification")
		}
	}
}

// WebhookChannel posts the event as JSON
type WebhookChannel struct {
	url    string
	client *http.Client
}

// Send implements NotificationChannel
func (wc *WebhookChannel) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return postJSON(ctx, wc.client, wc.url, payload)
}

// GetType implements NotificationChannel
func (wc *WebhookChannel) GetType() string { return "webhook" }

// SlackChannel posts to a Slack incoming webhook
type SlackChannel struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// Send implements NotificationChannel
func (sc *SlackChannel) Send(ctx context.Context, event Event) error {
	color := "good"
	switch event.Status {
	case EventFailed:
		color = "danger"
	case EventPartial:
		color = "warning"
	}

	fields := []map[string]interface{}{
		{"title": "Status", "value": string(event.Status), "short": true},
	}
	if event.Backup != "" {
		fields = append(fields, map[string]interface{}{"title": "Backup", "value": event.Backup, "short": true})
	}
	if event.Target != "" {
		fields = append(fields, map[string]interface{}{"title": "Target", "value": event.Target, "short": true})
	}
	if event.Error != "" {
		fields = append(fields, map[string]interface{}{"title": "Error", "value": event.Error, "short": false})
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("dbvault %s %s", event.Operation, event.Status),
		"attachments": []map[string]interface{}{
			{
				"color":     color,
				"text":      event.Message,
				"timestamp": event.Timestamp.Unix(),
				"fields":    fields,
			},
		},
	}
	if sc.channel != "" {
		payload["channel"] = sc.channel
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}
	return postJSON(ctx, sc.client, sc.webhookURL, data)
}

// GetType implements NotificationChannel
func (sc *SlackChannel) GetType() string { return "slack" }

// FileChannel appends one JSON line per event
type FileChannel struct {
	path string
}

// Send implements NotificationChannel
func (fc *FileChannel) Send(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fc.path), 0750); err != nil {
		return fmt.Errorf("failed to create notification directory: %w", err)
	}
	file, err := os.OpenFile(fc.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

// GetType implements NotificationChannel
func (fc *FileChannel) GetType() string { return "file" }

func postJSON(ctx context.Context, client *http.Client, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
