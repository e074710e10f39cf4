package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dbvault/internal/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	r.BackupCompleted(true, 1048576, 3*time.Second)
	r.BackupCompleted(false, 0, time.Second)
	r.RestoreStarted()
	r.RestoreStarted()
	r.RestoreFinished(false, "checksum_mismatch", 2*time.Second)
	r.VerificationCompleted("success", time.Second)
	r.RollbackCompleted("PARTIAL", time.Minute)
	r.ObserveBackupAge(36 * time.Hour)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.backups.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.backups.WithLabelValues("failure")))
	assert.Equal(t, 1048576.0, testutil.ToFloat64(r.backupSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.inProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.restores.WithLabelValues("failure", "checksum_mismatch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.verifications.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rollbacks.WithLabelValues("PARTIAL")))
	assert.Equal(t, (36 * time.Hour).Seconds(), testutil.ToFloat64(r.backupAge))
	assert.Equal(t, 4, testutil.CollectAndCount(r.durations))
}

func TestNewPrometheusRecorder_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	_, err = NewPrometheusRecorder(reg)
	assert.Error(t, err)
}

func TestPusher(t *testing.T) {
	var (
		method string
		path   string
		body   string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		method, path = req.Method, req.URL.Path
		data, _ := io.ReadAll(req.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	r, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)
	r.BackupCompleted(true, 10, time.Second)

	p := NewPusher(config.MetricsConfig{PushgatewayURL: server.URL, Job: "nightly"}, reg)
	require.NotNil(t, p)
	require.NoError(t, p.Push(context.Background()))

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/nightly", path)
	assert.Contains(t, body, "dbvault_backups_total")
}

func TestPusher_Disabled(t *testing.T) {
	p := NewPusher(config.MetricsConfig{}, prometheus.NewRegistry())
	assert.Nil(t, p)
	assert.NoError(t, p.Push(context.Background()))
}

func TestPusher_GatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewPusher(config.MetricsConfig{PushgatewayURL: server.URL}, prometheus.NewRegistry())
	assert.Error(t, p.Push(context.Background()))
}
