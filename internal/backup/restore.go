package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dbvault/internal/database"
	apperrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/google/uuid"
)

// RestoreStatus is a state of the restore state machine
type RestoreStatus string

const (
	StatusPending     RestoreStatus = "PENDING"
	StatusDownloading RestoreStatus = "DOWNLOADING"
	StatusVerifying   RestoreStatus = "VERIFYING"
	StatusDBPrep      RestoreStatus = "DB_PREP"
	StatusRestoring   RestoreStatus = "RESTORING"
	StatusPostVerify  RestoreStatus = "POST_VERIFY"
	StatusSucceeded   RestoreStatus = "SUCCEEDED"
	StatusFailed      RestoreStatus = "FAILED"
)

var restoreTransitions = map[RestoreStatus][]RestoreStatus{
	StatusPending:     {StatusDownloading, StatusFailed},
	StatusDownloading: {StatusVerifying, StatusFailed},
	StatusVerifying:   {StatusDBPrep, StatusFailed},
	StatusDBPrep:      {StatusRestoring, StatusFailed},
	StatusRestoring:   {StatusPostVerify, StatusFailed},
	StatusPostVerify:  {StatusSucceeded, StatusFailed},
}

// Terminal reports whether s is SUCCEEDED or FAILED
func (s RestoreStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// TouchesTarget reports whether a restore that reached s may have
// modified the target database
func (s RestoreStatus) TouchesTarget() bool {
	switch s {
	case StatusDBPrep, StatusRestoring, StatusPostVerify, StatusSucceeded:
		return true
	}
	return false
}

// PhaseTransition records one state change
type PhaseTransition struct {
	From RestoreStatus `json:"from" yaml:"from"`
	To   RestoreStatus `json:"to" yaml:"to"`
	At   time.Time     `json:"at" yaml:"at"`
}

// RestoreOptions control a single restore
type RestoreOptions struct {
	// Verify runs the integrity verifier before touching the target
	Verify bool
	// Force allows restoring into an existing target
	Force bool
	// AllowUnverified lets a backup without a checksum through verification
	AllowUnverified bool
	// CanaryTable, when set, must be countable in the target after restore
	CanaryTable string
}

// RestoreOperation tracks one restore invocation
type RestoreOperation struct {
	ID                  string              `json:"id" yaml:"id"`
	BackupRef           string              `json:"backup" yaml:"backup"`
	Target              string              `json:"target" yaml:"target"`
	Status              RestoreStatus       `json:"status" yaml:"status"`
	Verification        *VerificationResult `json:"verification,omitempty" yaml:"verification,omitempty"`
	VerificationSkipped bool                `json:"verification_skipped,omitempty" yaml:"verification_skipped,omitempty"`
	TargetCreated       bool                `json:"target_created,omitempty" yaml:"target_created,omitempty"`
	SmokeCount          int64               `json:"smoke_count,omitempty" yaml:"smoke_count,omitempty"`
	CanaryRows          *int64              `json:"canary_rows,omitempty" yaml:"canary_rows,omitempty"`
	FailedPhase         RestoreStatus       `json:"failed_phase,omitempty" yaml:"failed_phase,omitempty"`
	Error               string              `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt           time.Time           `json:"started_at" yaml:"started_at"`
	FinishedAt          time.Time           `json:"finished_at" yaml:"finished_at"`
	Transitions         []PhaseTransition   `json:"transitions" yaml:"transitions"`

	Err error `json:"-" yaml:"-"`

	now    func() time.Time
	logger *logging.Logger
}

// Succeeded reports whether the operation ended in SUCCEEDED
func (op *RestoreOperation) Succeeded() bool {
	return op.Status == StatusSucceeded
}

// Duration returns how long the operation ran
func (op *RestoreOperation) Duration() time.Duration {
	if op.FinishedAt.IsZero() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}

func (op *RestoreOperation) transition(to RestoreStatus) {
	from := op.Status
	allowed := false
	for _, next := range restoreTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		panic(fmt.Sprintf("invalid restore transition %s -> %s", from, to))
	}

	op.Status = to
	op.Transitions = append(op.Transitions, PhaseTransition{From: from, To: to, At: op.now()})
	op.logger.LogPhaseTransition(op.ID, op.Target, string(from), string(to))
}

// fail moves op to FAILED and returns err
func (op *RestoreOperation) fail(err error) error {
	op.FailedPhase = op.Status
	op.Err = err
	op.Error = apperrors.FormatUserError(err)
	op.transition(StatusFailed)
	return err
}

// Orchestrator drives restores through the PENDING → DOWNLOADING →
// VERIFYING → DB_PREP → RESTORING → POST_VERIFY state machine. It never
// rolls back a failed restore; GuardedRestore composes that behavior.
type Orchestrator struct {
	deps     Deps
	verifier *Verifier
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(deps Deps, verifier *Verifier) *Orchestrator {
	deps = deps.withDefaults()
	if verifier == nil {
		verifier = NewVerifier(deps.Engine, deps.Metrics, deps.Logger).WithClock(deps.Clock)
	}
	return &Orchestrator{deps: deps, verifier: verifier}
}

// ListAvailableBackups returns the catalog newest first
func (o *Orchestrator) ListAvailableBackups(ctx context.Context) ([]BackupRecord, error) {
	return o.deps.Catalog.List(ctx)
}

func (o *Orchestrator) newOperation(ctx context.Context, name, target string) *RestoreOperation {
	id := logging.OperationIDFromContext(ctx)
	if id == "" {
		id = uuid.New().String()
	}
	o.deps.Metrics.RestoreStarted()
	return &RestoreOperation{
		ID:        id,
		BackupRef: name,
		Target:    target,
		Status:    StatusPending,
		StartedAt: o.deps.Clock.Now(),
		now:       o.deps.Clock.Now,
		logger:    o.deps.Logger,
	}
}

// RestoreBackup restores backup name into target. The returned operation
// is never nil and ends in SUCCEEDED or FAILED; on FAILED the error is
// also returned. Restores against the same target are serialized.
func (o *Orchestrator) RestoreBackup(ctx context.Context, name, target string, opts RestoreOptions) (*RestoreOperation, error) {
	op := o.newOperation(ctx, name, target)
	if err := database.ValidateIdentifier(target); err != nil {
		return op, o.finish(ctx, op, op.fail(err))
	}

	release, err := o.deps.Locks.Acquire(ctx, target)
	if err != nil {
		return op, o.finish(ctx, op, op.fail(err))
	}
	defer release()

	return op, o.restoreLocked(ctx, op, opts)
}

// restoreLocked runs op to completion. The caller holds the target lock.
func (o *Orchestrator) restoreLocked(ctx context.Context, op *RestoreOperation, opts RestoreOptions) (err error) {
	d := o.deps
	ctx = logging.ContextWithOperationID(ctx, op.ID)
	log := d.Logger.WithContext(ctx).WithField("backup", op.BackupRef).WithField("target", op.Target)

	defer func() { o.finish(ctx, op, err) }()

	rec, err := d.Catalog.Get(ctx, op.BackupRef)
	if err != nil {
		return op.fail(err)
	}
	if !opts.Force {
		exists, err := d.Targets.Exists(ctx, op.Target)
		if err != nil {
			return op.fail(err)
		}
		if exists {
			return op.fail(apperrors.NewTargetConflictError(op.Target))
		}
	}

	op.transition(StatusDownloading)
	dir, err := os.MkdirTemp(d.WorkDir, "dbvault-restore-*")
	if err != nil {
		return op.fail(fmt.Errorf("failed to create working directory: %w", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove restore working directory")
		}
	}()

	artifact := filepath.Join(dir, rec.Name)
	if _, err := d.Catalog.Download(ctx, rec.Name, artifact); err != nil {
		return op.fail(err)
	}

	op.transition(StatusVerifying)
	if opts.Verify {
		result, err := o.verifier.Verify(ctx, artifact, rec.Checksum)
		op.Verification = result
		if err != nil {
			if !(opts.AllowUnverified && apperrors.IsType(err, apperrors.ErrorTypeUnverifiable)) {
				return op.fail(err)
			}
			log.Warn("Restoring a backup without a recorded checksum")
		}
	} else {
		op.VerificationSkipped = true
		log.Warn("Integrity verification skipped")
	}

	op.transition(StatusDBPrep)
	created, err := d.Targets.Ensure(ctx, op.Target)
	if err != nil {
		return op.fail(err)
	}
	op.TargetCreated = created

	op.transition(StatusRestoring)
	if err := d.Engine.Restore(ctx, d.Conn.WithDatabase(op.Target), artifact); err != nil {
		return op.fail(err)
	}

	op.transition(StatusPostVerify)
	count, err := d.Targets.SmokeCheck(ctx, op.Target)
	if err != nil {
		return op.fail(err)
	}
	op.SmokeCount = count
	if opts.CanaryTable != "" {
		rows, err := countCanary(ctx, d.Targets, op.Target, opts.CanaryTable)
		if err != nil {
			return op.fail(err)
		}
		op.CanaryRows = &rows
		log.WithField("canary_table", opts.CanaryTable).WithField("rows", rows).Debug("Canary table counted")
	}

	op.transition(StatusSucceeded)
	return nil
}

func countCanary(ctx context.Context, targets TargetManager, target, table string) (int64, error) {
	counter, ok := targets.(RowCounter)
	if !ok {
		return 0, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			"canary table check is not supported by this target manager", nil)
	}
	return counter.CountRows(ctx, target, table)
}

// finish stamps op and emits its metrics, audit entry and notification.
// Every operation from newOperation is finished exactly once.
func (o *Orchestrator) finish(ctx context.Context, op *RestoreOperation, err error) error {
	d := o.deps
	op.FinishedAt = d.Clock.Now()

	reason := ""
	if err != nil {
		reason = string(apperrors.GetErrorType(err))
	}
	d.Metrics.RestoreFinished(err == nil, reason, op.Duration())
	d.Audit.LogRestore(ctx, op)
	d.Notifier.Notify(ctx, restoreEvent(op))

	entry := d.Logger.WithContext(ctx).WithFields(map[string]interface{}{
		"backup":   op.BackupRef,
		"target":   op.Target,
		"status":   string(op.Status),
		"duration": op.Duration().String(),
	})
	if err != nil {
		entry.WithField("failed_phase", string(op.FailedPhase)).WithError(err).Error("Restore failed")
	} else {
		entry.Info("Restore completed")
	}
	return err
}

func restoreEvent(op *RestoreOperation) Event {
	event := Event{
		Operation: "restore",
		Status:    EventSucceeded,
		Backup:    op.BackupRef,
		Target:    op.Target,
		Message:   fmt.Sprintf("Restored %s into %s", op.BackupRef, op.Target),
	}
	if op.Status != StatusSucceeded {
		event.Status = EventFailed
		event.Message = fmt.Sprintf("Restore of %s into %s failed during %s", op.BackupRef, op.Target, op.FailedPhase)
		event.Error = op.Error
	}
	return event
}

// VerifyBackup downloads backup name and runs the integrity verifier on it
func (o *Orchestrator) VerifyBackup(ctx context.Context, name string) (*BackupRecord, *VerificationResult, error) {
	rec, err := o.deps.Catalog.Get(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	result, err := verifyStored(ctx, o.deps, o.verifier, rec)
	return rec, result, err
}

// verifyStored verifies the stored copy of rec in an ephemeral directory
func verifyStored(ctx context.Context, d Deps, v *Verifier, rec *BackupRecord) (*VerificationResult, error) {
	dir, err := os.MkdirTemp(d.WorkDir, "dbvault-verify-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer os.RemoveAll(dir)

	artifact := filepath.Join(dir, rec.Name)
	if _, err := d.Catalog.Download(ctx, rec.Name, artifact); err != nil {
		return nil, err
	}
	return v.Verify(ctx, artifact, rec.Checksum)
}
