// Package application wires configuration into the backup components and
// exposes one method per CLI operation.
package application

import (
	"context"
	"fmt"
	"io"
	"time"

	"dbvault/internal/backup"
	"dbvault/internal/config"
	"dbvault/internal/database"
	"dbvault/internal/display"
	"dbvault/internal/engine"
	apperrors "dbvault/internal/errors"
	"dbvault/internal/history"
	"dbvault/internal/logging"
	"dbvault/internal/metrics"
	"dbvault/internal/secrets"
	"dbvault/internal/utility"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var _ backup.RowCounter = (*database.Manager)(nil)

// Options carry command-line overrides
type Options struct {
	Verbose   bool
	Quiet     bool
	LogOutput io.Writer
}

// Components are the externally facing collaborators. New builds them from
// configuration; tests supply their own.
type Components struct {
	Store   backup.ObjectStore
	Engine  engine.Engine
	Targets backup.TargetManager
	Clock   clock.Clock
}

// Application represents the main application
type Application struct {
	cfg          *config.Config
	logger       *logging.Logger
	deps         backup.Deps
	creator      *backup.Creator
	verifier     *backup.Verifier
	orchestrator *backup.Orchestrator
	rollback     *backup.RollbackCoordinator
	registry     *prometheus.Registry
	pusher       *metrics.Pusher
	history      *history.Store
}

// NewLogger builds the logger described by cfg and opts
func NewLogger(cfg config.LoggingConfig, opts Options) (*logging.Logger, error) {
	level := logging.LogLevel(cfg.Level)
	switch {
	case opts.Quiet:
		level = logging.LogLevelQuiet
	case opts.Verbose:
		level = logging.LogLevelVerbose
	case level == "":
		level = logging.LogLevelNormal
	}
	return logging.NewLogger(logging.Config{
		Level:   level,
		Output:  opts.LogOutput,
		Format:  cfg.Format,
		LogFile: cfg.File,
	})
}

// New creates an application from configuration, connecting the real
// object store, native utilities and database.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Application, error) {
	logger, err := NewLogger(cfg.Logging, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	password, err := secrets.ResolvePassword(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	runner := utility.NewExecRunner(cfg.Utilities.Timeout, logger)
	eng, err := engine.New(cfg.Database.Engine, cfg.Utilities, runner)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "failed to create database engine", err)
	}

	dialect, err := database.DialectFor(cfg.Database.Engine)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, err.Error(), err)
	}
	targets := database.NewManager(dialect, database.ConnConfig{
		Host:          cfg.Database.Host,
		Port:          cfg.Database.Port,
		Username:      cfg.Database.Username,
		Password:      password,
		SSLMode:       cfg.Database.SSLMode,
		MaintenanceDB: cfg.Database.MaintenanceDB,
		Timeout:       cfg.Database.ConnectTimeout,
	}, logger)

	store, err := backup.NewObjectStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	resolved := *cfg
	resolved.Database.Password = password
	return Assemble(&resolved, logger, Components{
		Store:   store,
		Engine:  eng,
		Targets: targets,
		Clock:   clock.WallClock,
	})
}

// Assemble wires the backup components around c
func Assemble(cfg *config.Config, logger *logging.Logger, c Components) (*Application, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	app := &Application{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	var recorder backup.MetricsRecorder = backup.NopMetrics{}
	if cfg.Metrics.Enabled {
		prom, err := metrics.NewPrometheusRecorder(app.registry)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		recorder = prom
		app.pusher = metrics.NewPusher(cfg.Metrics, app.registry)
	}

	audit, err := backup.NewBackupLogger(backup.BackupLoggerConfig{
		Logger:       logger,
		AuditLogFile: cfg.Logging.AuditFile,
	})
	if err != nil {
		return nil, err
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.WithError(err).Warn("Operation history unavailable")
		} else {
			app.history = store
		}
	}

	db := cfg.Database
	app.deps = backup.Deps{
		Catalog: backup.NewCatalog(c.Store, cfg.Storage.Prefix, logger),
		Engine:  c.Engine,
		Conn: engine.Connection{
			Host:     db.Host,
			Port:     db.Port,
			Username: db.Username,
			Password: db.Password,
			Database: db.Name,
			SSLMode:  db.SSLMode,
		},
		Targets:  c.Targets,
		Locks:    backup.NewTargetLocks(cfg.Restore.LockMode),
		Clock:    c.Clock,
		WorkDir:  cfg.Utilities.WorkDir,
		Metrics:  recorder,
		Notifier: backup.NewNotificationManager(cfg.Notifications, logger),
		Audit:    audit,
		Logger:   logger,
	}
	if app.deps.Clock == nil {
		app.deps.Clock = clock.WallClock
	}

	app.creator = backup.NewCreator(app.deps)
	app.verifier = backup.NewVerifier(c.Engine, recorder, logger).WithClock(app.deps.Clock)
	app.orchestrator = backup.NewOrchestrator(app.deps, app.verifier)
	app.rollback = backup.NewRollbackCoordinator(app.deps, app.creator, app.orchestrator, app.verifier)
	return app, nil
}

// Logger returns the application logger
func (app *Application) Logger() *logging.Logger {
	return app.logger
}

// Now returns the current time on the application clock
func (app *Application) Now() time.Time {
	return app.deps.Clock.Now()
}

// Registry returns the metrics registry
func (app *Application) Registry() *prometheus.Registry {
	return app.registry
}

// DefaultRestoreOptions returns the restore options configured by default
func (app *Application) DefaultRestoreOptions() backup.RestoreOptions {
	return backup.RestoreOptions{
		Verify:          app.cfg.Restore.Verify,
		AllowUnverified: app.cfg.Restore.AllowUnverified,
		CanaryTable:     app.cfg.Restore.CanaryTable,
	}
}

// Check verifies that the object store and the database server are reachable
func (app *Application) Check(ctx context.Context) error {
	if err := app.deps.Catalog.Store().HealthCheck(ctx); err != nil {
		return err
	}
	if pinger, ok := app.deps.Targets.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Backup creates a backup of db, or of the configured database when db is empty
func (app *Application) Backup(ctx context.Context, db string) (*backup.BackupRecord, error) {
	started := app.deps.Clock.Now()
	rec, err := app.creator.CreateBackup(ctx, backup.BackupRequest{Database: db, Kind: backup.KindManual})

	entry := history.Entry{Kind: history.KindBackup, Target: db, Started: started}
	if rec != nil {
		entry.Ref, entry.Target, entry.Detail = rec.Name, rec.Database, display.Size(rec.Size)
	}
	app.record(ctx, entry, err)
	return rec, err
}

// ListBackups returns up to limit backups, newest first. A limit of zero
// or less returns them all.
func (app *Application) ListBackups(ctx context.Context, limit int) ([]backup.BackupRecord, error) {
	records, err := app.orchestrator.ListAvailableBackups(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Restore restores backup name into target
func (app *Application) Restore(ctx context.Context, name, target string, opts backup.RestoreOptions) (*backup.RestoreOperation, error) {
	op, err := app.orchestrator.RestoreBackup(ctx, name, target, opts)
	app.recordRestore(ctx, op, err)
	return op, err
}

// GuardedRestore restores name into target, reverting to a safety
// snapshot if the restore fails part way
func (app *Application) GuardedRestore(ctx context.Context, name, target string, opts backup.RestoreOptions) (*backup.GuardedRestoreResult, error) {
	result, err := app.rollback.GuardedRestore(ctx, name, target, opts)
	if result != nil {
		app.recordRestore(ctx, result.Restore, err)
	}
	return result, err
}

func (app *Application) recordRestore(ctx context.Context, op *backup.RestoreOperation, err error) {
	if op == nil {
		return
	}
	app.record(ctx, history.Entry{
		Kind:     history.KindRestore,
		Ref:      op.BackupRef,
		Target:   op.Target,
		Status:   string(op.Status),
		Detail:   op.Error,
		Started:  op.StartedAt,
		Finished: op.FinishedAt,
	}, err)
}

// Verify checks the stored copy of backup name
func (app *Application) Verify(ctx context.Context, name string) (*backup.BackupRecord, *backup.VerificationResult, error) {
	started := app.deps.Clock.Now()
	rec, result, err := app.orchestrator.VerifyBackup(ctx, name)
	entry := history.Entry{Kind: history.KindVerify, Ref: name, Started: started}
	if result != nil {
		entry.Detail = result.Detail
	}
	app.record(ctx, entry, err)
	return rec, result, err
}

// Rollback returns target to recovery, or to its newest regular backup
// when recovery is empty
func (app *Application) Rollback(ctx context.Context, target, recovery string) (*backup.RollbackPlan, error) {
	plan, err := app.rollback.PerformRollback(ctx, target, backup.RollbackOptions{
		RecoveryBackup: recovery,
		CanaryTable:    app.cfg.Restore.CanaryTable,
	})
	if plan != nil {
		app.record(ctx, history.Entry{
			Kind:     history.KindRollback,
			Ref:      plan.RecoveryRef,
			Target:   plan.Target,
			Status:   string(plan.Outcome),
			Detail:   string(plan.FailedStep),
			Started:  plan.StartedAt,
			Finished: plan.FinishedAt,
		}, err)
	}
	return plan, err
}

func (app *Application) sweeper(dryRun bool) *backup.Sweeper {
	return backup.NewSweeper(app.deps, app.cfg.Retention.Days).WithDryRun(dryRun)
}

// Sweep applies the retention window once
func (app *Application) Sweep(ctx context.Context, dryRun bool) (*backup.SweepResult, error) {
	result, err := app.sweeper(dryRun).Sweep(ctx)
	app.recordSweep(ctx, result, err)
	return result, err
}

// RunSweeper sweeps every retention.sweep_interval until ctx ends
func (app *Application) RunSweeper(ctx context.Context, dryRun bool, onResult func(*backup.SweepResult)) error {
	return app.sweeper(dryRun).Run(ctx, app.cfg.Retention.SweepInterval, func(result *backup.SweepResult) {
		app.recordSweep(ctx, result, nil)
		if err := app.PushMetrics(ctx); err != nil {
			app.logger.WithError(err).Warn("Failed to push metrics")
		}
		if onResult != nil {
			onResult(result)
		}
	})
}

func (app *Application) recordSweep(ctx context.Context, result *backup.SweepResult, err error) {
	entry := history.Entry{Kind: history.KindSweep, Started: app.deps.Clock.Now()}
	if result != nil {
		entry.Started = result.StartedAt
		entry.Detail = fmt.Sprintf("examined %d, deleted %d, failures %d", result.Examined, len(result.Deleted), len(result.Failures))
		if result.DryRun {
			entry.Detail += " (dry run)"
		}
		if err == nil && len(result.Failures) > 0 {
			entry.Status = "partial"
		}
	}
	app.record(ctx, entry, err)
}

// Status summarizes storage and the last recent operations
func (app *Application) Status(ctx context.Context, recent int) (*display.StatusReport, error) {
	usage, err := app.deps.Catalog.Usage(ctx)
	if err != nil {
		return nil, err
	}
	report := &display.StatusReport{
		Usage:         usage,
		RetentionDays: app.cfg.Retention.Days,
		GeneratedAt:   app.deps.Clock.Now(),
	}
	if newest := usage.Newest; newest != nil {
		app.deps.Metrics.ObserveBackupAge(report.GeneratedAt.Sub(newest.Created))
	}
	if app.history != nil && recent > 0 {
		entries, err := app.history.Recent(ctx, recent)
		if err != nil {
			app.logger.WithError(err).Warn("Failed to read operation history")
		} else {
			report.Recent = entries
		}
	}
	return report, nil
}

// record writes a history entry. History is best effort: failures are
// logged and never change the operation's result.
func (app *Application) record(ctx context.Context, entry history.Entry, err error) {
	if app.history == nil {
		return
	}
	if entry.Finished.IsZero() {
		entry.Finished = app.deps.Clock.Now()
	}
	if entry.Started.IsZero() {
		entry.Started = entry.Finished
	}
	if entry.Status == "" {
		entry.Status = "succeeded"
		if err != nil {
			entry.Status = "failed"
		}
	}
	if err != nil && entry.Detail == "" {
		entry.Detail = apperrors.FormatUserError(err)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, recErr := app.history.Record(recordCtx, entry); recErr != nil {
		app.logger.WithError(recErr).Warn("Failed to record operation history")
	}
}

// PushMetrics sends the registry to the configured Pushgateway, if any
func (app *Application) PushMetrics(ctx context.Context) error {
	return app.pusher.Push(ctx)
}

// Close pushes metrics and releases resources. Errors are logged.
func (app *Application) Close(ctx context.Context) {
	if err := app.PushMetrics(ctx); err != nil {
		app.logger.WithError(err).Warn("Failed to push metrics")
	}
	if app.history != nil {
		if err := app.history.Close(); err != nil {
			app.logger.WithError(err).Warn("Failed to close operation history")
		}
	}
}
