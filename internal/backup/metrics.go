package backup

import (
	"fmt"
	"time"

	"dbvault/internal/logging"
)

// MetricsRecorder receives operation measurements. Implementations are
// injected; the backup package holds no global metric state.
type MetricsRecorder interface {
	BackupCompleted(success bool, size int64, duration time.Duration)
	RestoreStarted()
	RestoreFinished(success bool, reason string, duration time.Duration)
	VerificationCompleted(result string, duration time.Duration)
	RollbackCompleted(outcome string, duration time.Duration)
	ObserveBackupAge(age time.Duration)
}

// NopMetrics discards every measurement
type NopMetrics struct{}

func (NopMetrics) BackupCompleted(bool, int64, time.Duration) {}
func (NopMetrics) RestoreStarted() {}
func (NopMetrics) RestoreFinished(bool, string, time.Duration) {}
func (NopMetrics) VerificationCompleted(string, time.Duration) {}
func (NopMetrics) RollbackCompleted(string, time.Duration) {}
func (NopMetrics) ObserveBackupAge(time.Duration) {}

// guardedMetrics makes recording best-effort: a panicking sink is logged
// and the operation being measured carries on.
type guardedMetrics struct {
	inner  MetricsRecorder
	logger *logging.Logger
}

func safeMetrics(m MetricsRecorder, logger *logging.Logger) MetricsRecorder {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	switch m.(type) {
	case nil:
		return NopMetrics{}
	case NopMetrics, *guardedMetrics:
		return m
	}
	return &guardedMetrics{inner: m, logger: logger}
}

func (g *guardedMetrics) guard(name string, record func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.WithField("metric", name).WithField("panic", fmt.Sprint(r)).Warn("Metrics sink failed; measurement dropped")
		}
	}()
	record()
}

func (g *guardedMetrics) BackupCompleted(success bool, size int64, duration time.Duration) {
	g.guard("backup", func() { g.inner.BackupCompleted(success, size, duration) })
}

func (g *guardedMetrics) RestoreStarted() {
	g.guard("restore_started", g.inner.RestoreStarted)
}

func (g *guardedMetrics) RestoreFinished(success bool, reason string, duration time.Duration) {
	g.guard("restore", func() { g.inner.RestoreFinished(success, reason, duration) })
}

func (g *guardedMetrics) VerificationCompleted(result string, duration time.Duration) {
	g.guard("verification", func() { g.inner.VerificationCompleted(result, duration) })
}

func (g *guardedMetrics) RollbackCompleted(outcome string, duration time.Duration) {
	g.guard("rollback", func() { g.inner.RollbackCompleted(outcome, duration) })
}

func (g *guardedMetrics) ObserveBackupAge(age time.Duration) {
	g.guard("backup_age", func() { g.inner.ObserveBackupAge(age) })
}
