package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dbvault/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNotificationManager(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.NotificationConfig
		types []string
	}{
		{
			name:  "disabled",
			cfg:   config.NotificationConfig{WebhookURL: "http://example.invalid"},
			types: nil,
		},
		{
			name: "all channels",
			cfg: config.NotificationConfig{
				Enabled:      true,
				WebhookURL:   "http://example.invalid/hook",
				SlackWebhook: "http://example.invalid/slack",
				File:         "/tmp/events.jsonl",
			},
			types: []string{"webhook", "slack", "file"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nm := NewNotificationManager(tt.cfg, nil)
			var types []string
			for _, ch := range nm.Channels() {
				types = append(types, ch.GetType())
			}
			assert.Equal(t, tt.types, types)
		})
	}
}

func TestNotificationManager_Webhook(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Event
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var event Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	nm := NewNotificationManager(config.NotificationConfig{Enabled: true, WebhookURL: server.URL}, nil)
	nm.Notify(context.Background(), Event{Operation: "restore", Status: EventFailed, Target: "orders", Message: "boom"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "restore", received[0].Operation)
	assert.Equal(t, EventFailed, received[0].Status)
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestNotificationManager_SlackPayload(t *testing.T) {
	var payload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	defer server.Close()

	nm := NewNotificationManager(config.NotificationConfig{Enabled: true, SlackWebhook: server.URL, SlackChannel: "#ops"}, nil)
	nm.Notify(context.Background(), Event{Operation: "rollback", Status: EventPartial, Target: "orders", Error: "restore failed"})

	require.NotNil(t, payload)
	assert.Equal(t, "#ops", payload["channel"])
	attachments := payload["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	assert.Equal(t, "warning", attachments[0].(map[string]interface{})["color"])
}

func TestNotificationManager_FailuresAreSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	file := filepath.Join(t.TempDir(), "events.jsonl")
	nm := NewNotificationManager(config.NotificationConfig{
		Enabled:    true,
		WebhookURL: server.URL,
		File:       file,
		Timeout:    time.Second,
	}, nil)

	assert.NotPanics(t, func() {
		nm.Notify(context.Background(), Event{Operation: "backup", Status: EventSucceeded})
	})
	assert.FileExists(t, file, "later channels still run")
}

func TestNotificationManager_OnlyFailures(t *testing.T) {
	file := filepath.Join(t.TempDir(), "events.jsonl")
	nm := NewNotificationManager(config.NotificationConfig{Enabled: true, File: file, OnlyFailures: true}, nil)

	nm.Notify(context.Background(), Event{Operation: "backup", Status: EventSucceeded})
	assert.NoFileExists(t, file)

	nm.Notify(context.Background(), Event{Operation: "backup", Status: EventFailed})
	nm.Notify(context.Background(), Event{Operation: "rollback", Status: EventPartial})

	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()

	var ops []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		ops = append(ops, event.Operation)
	}
	assert.Equal(t, []string{"backup", "rollback"}, ops)
}
