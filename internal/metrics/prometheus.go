// Package metrics exports operation measurements to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"time"

	"dbvault/internal/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "dbvault"

// PrometheusRecorder records operation measurements into a registry owned
// by the caller. It satisfies backup.MetricsRecorder.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	backups       *prometheus.CounterVec
	restores      *prometheus.CounterVec
	verifications *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	backupAge     prometheus.Gauge
	backupSize    prometheus.Gauge
	inProgress    prometheus.Gauge
	durations     *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the dbvault collectors on registry
func NewPrometheusRecorder(registry *prometheus.Registry) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		registry: registry,
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backups attempted, by result.",
		}, []string{"result"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Restores finished, by result and failure reason.",
		}, []string{"result", "reason"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Integrity verifications, by result.",
		}, []string{"result"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollbacks finished, by outcome.",
		}, []string{"status"}),
		backupAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_age_seconds",
			Help:      "Age of the newest retained backup.",
		}),
		backupSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_size_bytes",
			Help:      "Size of the most recent successful backup.",
		}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "restores_in_progress",
			Help:      "Restores currently running.",
		}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of backup, restore, verification and rollback operations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		r.backups, r.restores, r.verifications, r.rollbacks,
		r.backupAge, r.backupSize, r.inProgress, r.durations,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return r, nil
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// BackupCompleted records one backup attempt
func (r *PrometheusRecorder) BackupCompleted(success bool, size int64, duration time.Duration) {
	r.backups.WithLabelValues(result(success)).Inc()
	r.durations.WithLabelValues("backup").Observe(duration.Seconds())
	if success {
		r.backupSize.Set(float64(size))
	}
}

// RestoreStarted marks a restore as in progress
func (r *PrometheusRecorder) RestoreStarted() {
	r.inProgress.Inc()
}

// RestoreFinished records a finished restore. reason is empty on success.
func (r *PrometheusRecorder) RestoreFinished(success bool, reason string, duration time.Duration) {
	r.inProgress.Dec()
	r.restores.WithLabelValues(result(success), reason).Inc()
	r.durations.WithLabelValues("restore").Observe(duration.Seconds())
}

// VerificationCompleted records one verification
func (r *PrometheusRecorder) VerificationCompleted(res string, duration time.Duration) {
	r.verifications.WithLabelValues(res).Inc()
	r.durations.WithLabelValues("verify").Observe(duration.Seconds())
}

// RollbackCompleted records one rollback
func (r *PrometheusRecorder) RollbackCompleted(outcome string, duration time.Duration) {
	r.rollbacks.WithLabelValues(outcome).Inc()
	r.durations.WithLabelValues("rollback").Observe(duration.Seconds())
}

// ObserveBackupAge sets the age of the newest backup
func (r *PrometheusRecorder) ObserveBackupAge(age time.Duration) {
	r.backupAge.Set(age.Seconds())
}

// Pusher sends the registry to a Prometheus Pushgateway. Short-lived CLI
// runs push once before exiting.
type Pusher struct {
	pusher *push.Pusher
}

// NewPusher returns nil when cfg has no Pushgateway URL
func NewPusher(cfg config.MetricsConfig, registry *prometheus.Registry) *Pusher {
	if cfg.PushgatewayURL == "" {
		return nil
	}
	job := cfg.Job
	if job == "" {
		job = namespace
	}
	return &Pusher{pusher: push.New(cfg.PushgatewayURL, job).Gatherer(registry)}
}

// Push sends the current values, replacing the job's previous push
func (p *Pusher) Push(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
