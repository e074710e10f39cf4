package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dbvault/internal/logging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BackupLogger writes an audit trail of catalog-changing and
// target-changing operations next to the regular log. Each logger carries
// a correlation ID shared by all entries of one command invocation.
type BackupLogger struct {
	logger        *logging.Logger
	auditLogger   *logrus.Logger
	correlationID string
}

// BackupLoggerConfig holds configuration for backup logging
type BackupLoggerConfig struct {
	Logger        *logging.Logger
	AuditLogFile  string
	CorrelationID string
}

// NewBackupLogger creates a BackupLogger. Without an audit file only the
// regular logger receives entries.
func NewBackupLogger(cfg BackupLoggerConfig) (*BackupLogger, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	correlationID := cfg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	bl := &BackupLogger{logger: logger, correlationID: correlationID}
	if cfg.AuditLogFile == "" {
		return bl, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.AuditLogFile), 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	auditFile, err := os.OpenFile(cfg.AuditLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	auditLogger := logrus.New()
	auditLogger.SetOutput(auditFile)
	auditLogger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	auditLogger.SetLevel(logrus.InfoLevel)
	bl.auditLogger = auditLogger
	return bl, nil
}

// GetCorrelationID returns the current correlation ID
func (bl *BackupLogger) GetCorrelationID() string {
	if bl == nil {
		return ""
	}
	return bl.correlationID
}

// LogBackupCreated records a backup creation attempt
func (bl *BackupLogger) LogBackupCreated(ctx context.Context, database string, rec *BackupRecord, err error) {
	details := map[string]interface{}{"database": database}
	if rec != nil {
		details["backup"] = rec.Name
		details["size"] = rec.Size
		details["checksum"] = rec.Checksum
		details["kind"] = string(rec.Kind)
	}
	bl.audit(ctx, "backup", "create", err, details)
}

// LogRestore records a finished restore operation
func (bl *BackupLogger) LogRestore(ctx context.Context, op *RestoreOperation) {
	details := map[string]interface{}{
		"operation_id": op.ID,
		"backup":       op.BackupRef,
		"target":       op.Target,
		"status":       string(op.Status),
	}
	if op.FailedPhase != "" {
		details["failed_phase"] = string(op.FailedPhase)
	}
	bl.audit(ctx, "database", "restore", op.Err, details)
}

// LogRollback records a finished rollback plan
func (bl *BackupLogger) LogRollback(ctx context.Context, plan *RollbackPlan, err error) {
	details := map[string]interface{}{
		"plan_id":      plan.ID,
		"target":       plan.Target,
		"recovery":     plan.RecoveryRef,
		"pre_snapshot": plan.PreSnapshotRef,
		"outcome":      string(plan.Outcome),
	}
	if plan.FailedStep != "" {
		details["failed_step"] = string(plan.FailedStep)
	}
	bl.audit(ctx, "database", "rollback", err, details)
}

// LogBackupDeletion records removal of a backup
func (bl *BackupLogger) LogBackupDeletion(ctx context.Context, name, reason string, err error) {
	bl.audit(ctx, "backup", "delete", err, map[string]interface{}{"backup": name, "reason": reason})
}

func (bl *BackupLogger) audit(ctx context.Context, resource, action string, err error, details map[string]interface{}) {
	if bl == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
		details["error"] = err.Error()
	}

	fields := logrus.Fields{
		"correlation_id": bl.correlationID,
		"resource":       resource,
		"action":         action,
		"result":         result,
	}
	if opID := logging.OperationIDFromContext(ctx); opID != "" {
		fields["operation_id"] = opID
	}

	bl.logger.WithFields(fields).WithFields(details).Debug("Audit")
	if bl.auditLogger != nil {
		bl.auditLogger.WithFields(fields).WithField("details", details).Info(fmt.Sprintf("%s_%s", resource, action))
	}
}
