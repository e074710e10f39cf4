package backup

import (
	"context"
	"fmt"
	"time"

	"dbvault/internal/database"
	apperrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/google/uuid"
)

// StepKind identifies a rollback step
type StepKind string

const (
	StepValidateRecovery StepKind = "validate_recovery"
	StepPreSnapshot      StepKind = "pre_snapshot"
	StepVerifySnapshot   StepKind = "verify_snapshot"
	StepRestore          StepKind = "restore"
	StepPostVerify       StepKind = "post_verify"
)

// StepStatus is the state of one rollback step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// RollbackOutcome summarizes a rollback plan. PARTIAL means the target
// may have been modified before a step failed; ABORTED means it was not.
type RollbackOutcome string

const (
	RollbackSucceeded RollbackOutcome = "SUCCEEDED"
	RollbackPartial   RollbackOutcome = "PARTIAL"
	RollbackAborted   RollbackOutcome = "ABORTED"
)

// StepPayload is the typed detail of a rollback step. The set of
// implementations is closed to this package.
type StepPayload interface {
	Kind() StepKind
	isStepPayload()
}

// ValidateRecoveryStep checks the recovery backup against its catalog entry
type ValidateRecoveryStep struct {
	Backup   string `json:"backup"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// PreSnapshotStep takes a safety-net backup of the target
type PreSnapshotStep struct {
	Database string `json:"database"`
	Snapshot string `json:"snapshot,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// VerifySnapshotStep verifies the stored safety-net backup
type VerifySnapshotStep struct {
	Snapshot string `json:"snapshot,omitempty"`
	Entries  int    `json:"entries,omitempty"`
}

// RestoreStep applies the recovery backup to the target
type RestoreStep struct {
	Backup      string        `json:"backup"`
	OperationID string        `json:"operation_id,omitempty"`
	FinalStatus RestoreStatus `json:"final_status,omitempty"`
	FailedPhase RestoreStatus `json:"failed_phase,omitempty"`
}

// PostVerifyStep runs the smoke query against the rolled-back target
type PostVerifyStep struct {
	Tables int64 `json:"tables,omitempty"`
}

func (*ValidateRecoveryStep) Kind() StepKind { return StepValidateRecovery }
func (*PreSnapshotStep) Kind() StepKind      { return StepPreSnapshot }
func (*VerifySnapshotStep) Kind() StepKind   { return StepVerifySnapshot }
func (*RestoreStep) Kind() StepKind          { return StepRestore }
func (*PostVerifyStep) Kind() StepKind       { return StepPostVerify }

func (*ValidateRecoveryStep) isStepPayload() {}
func (*PreSnapshotStep) isStepPayload()      {}
func (*VerifySnapshotStep) isStepPayload()   {}
func (*RestoreStep) isStepPayload()          {}
func (*PostVerifyStep) isStepPayload()       {}

// RollbackStep is one entry of a plan
type RollbackStep struct {
	Payload    StepPayload `json:"payload"`
	Status     StepStatus  `json:"status"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
}

// Kind returns the step's kind
func (s *RollbackStep) Kind() StepKind {
	return s.Payload.Kind()
}

// RollbackPlan is the record of one rollback. Steps run in order; a
// step only runs when every earlier step succeeded or was skipped.
type RollbackPlan struct {
	ID             string          `json:"id"`
	Target         string          `json:"target"`
	RecoveryRef    string          `json:"recovery_backup"`
	PreSnapshotRef string          `json:"pre_snapshot,omitempty"`
	Steps          []*RollbackStep `json:"steps"`
	Outcome        RollbackOutcome `json:"outcome"`
	FailedStep     StepKind        `json:"failed_step,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// Step returns the step of the given kind
func (p *RollbackPlan) Step(kind StepKind) *RollbackStep {
	for _, s := range p.Steps {
		if s.Kind() == kind {
			return s
		}
	}
	return nil
}

// Succeeded reports whether every step succeeded or was skipped
func (p *RollbackPlan) Succeeded() bool {
	return p.Outcome == RollbackSucceeded
}

// RollbackError names the step a rollback failed at
type RollbackError struct {
	Step    StepKind
	Outcome RollbackOutcome
	Err     error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback %s at step %s: %v", e.Outcome, e.Step, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// RollbackOptions select the recovery backup
type RollbackOptions struct {
	// RecoveryBackup defaults to the newest non-snapshot backup of the target
	RecoveryBackup string
	// CanaryTable is passed to the restore step's POST_VERIFY
	CanaryTable string
}

// RollbackCoordinator restores a target to a known-good backup behind a
// verified safety-net snapshot. Nothing destructive runs until the
// recovery backup has been validated and the snapshot stored and verified.
type RollbackCoordinator struct {
	deps         Deps
	creator      *Creator
	orchestrator *Orchestrator
	verifier     *Verifier
}

// NewRollbackCoordinator creates a RollbackCoordinator
func NewRollbackCoordinator(deps Deps, creator *Creator, orchestrator *Orchestrator, verifier *Verifier) *RollbackCoordinator {
	return &RollbackCoordinator{
		deps:         deps.withDefaults(),
		creator:      creator,
		orchestrator: orchestrator,
		verifier:     verifier,
	}
}

func newRollbackPlan(id, target string, now time.Time) *RollbackPlan {
	plan := &RollbackPlan{ID: id, Target: target, StartedAt: now}
	for _, payload := range []StepPayload{
		&ValidateRecoveryStep{},
		&PreSnapshotStep{Database: target},
		&VerifySnapshotStep{},
		&RestoreStep{},
		&PostVerifyStep{},
	} {
		plan.Steps = append(plan.Steps, &RollbackStep{Payload: payload, Status: StepPending})
	}
	return plan
}

// PerformRollback runs the plan against target. The plan is returned in
// every case; a failure also returns a *RollbackError naming the step.
func (rc *RollbackCoordinator) PerformRollback(ctx context.Context, target string, opts RollbackOptions) (plan *RollbackPlan, err error) {
	d := rc.deps
	id := logging.OperationIDFromContext(ctx)
	if id == "" {
		id = uuid.New().String()
		ctx = logging.ContextWithOperationID(ctx, id)
	}
	plan = newRollbackPlan(id, target, d.Clock.Now())

	defer func() {
		plan.FinishedAt = d.Clock.Now()
		d.Metrics.RollbackCompleted(string(plan.Outcome), plan.FinishedAt.Sub(plan.StartedAt))
		d.Audit.LogRollback(ctx, plan, err)
		d.Notifier.Notify(ctx, rollbackEvent(plan, err))
	}()

	if err := database.ValidateIdentifier(target); err != nil {
		return plan, rc.abort(plan, plan.Steps[0], err)
	}

	release, err := d.Locks.Acquire(ctx, target)
	if err != nil {
		return plan, rc.abort(plan, plan.Steps[0], err)
	}
	defer release()

	recovery, err := rc.validateRecovery(ctx, plan, target, opts)
	if err != nil {
		return plan, err
	}

	snapshot, err := rc.preSnapshot(ctx, plan, target)
	if err != nil {
		return plan, err
	}
	if err := rc.verifySnapshot(ctx, plan, snapshot); err != nil {
		return plan, err
	}

	step := plan.Step(StepRestore)
	payload := step.Payload.(*RestoreStep)
	payload.Backup = recovery.Name
	rc.begin(step)
	op := rc.orchestrator.newOperation(ctx, recovery.Name, target)
	restoreErr := rc.orchestrator.restoreLocked(ctx, op, RestoreOptions{Verify: true, Force: true, CanaryTable: opts.CanaryTable})
	payload.OperationID = op.ID
	payload.FinalStatus = op.Status
	payload.FailedPhase = op.FailedPhase
	if restoreErr != nil {
		if op.FailedPhase.TouchesTarget() {
			return plan, rc.partial(plan, step, restoreErr)
		}
		return plan, rc.abort(plan, step, restoreErr)
	}
	rc.succeed(step, fmt.Sprintf("restored %s", recovery.Name))

	step = plan.Step(StepPostVerify)
	rc.begin(step)
	tables, err := d.Targets.SmokeCheck(ctx, target)
	if err != nil {
		return plan, rc.partial(plan, step, err)
	}
	step.Payload.(*PostVerifyStep).Tables = tables
	rc.succeed(step, fmt.Sprintf("%d user tables present", tables))

	plan.Outcome = RollbackSucceeded
	d.Logger.WithContext(ctx).WithField("target", target).WithField("recovery", recovery.Name).Info("Rollback completed")
	return plan, nil
}

func (rc *RollbackCoordinator) validateRecovery(ctx context.Context, plan *RollbackPlan, target string, opts RollbackOptions) (*BackupRecord, error) {
	d := rc.deps
	step := plan.Step(StepValidateRecovery)
	payload := step.Payload.(*ValidateRecoveryStep)
	rc.begin(step)

	var (
		rec *BackupRecord
		err error
	)
	if opts.RecoveryBackup != "" {
		rec, err = d.Catalog.Get(ctx, opts.RecoveryBackup)
	} else {
		rec, err = d.Catalog.Latest(ctx, func(r BackupRecord) bool {
			return r.Kind != KindPreRollback && (r.Database == "" || r.Database == target)
		})
	}
	if err != nil {
		return nil, rc.abort(plan, step, err)
	}
	plan.RecoveryRef = rec.Name
	payload.Backup = rec.Name
	payload.Expected = rec.Checksum

	result, err := verifyStored(ctx, d, rc.verifier, rec)
	if result != nil {
		payload.Actual = result.Actual
	}
	if err != nil {
		return nil, rc.abort(plan, step, err)
	}
	rc.succeed(step, result.Detail)
	return rec, nil
}

// preSnapshot backs up the current target. A target that does not exist
// yet has nothing to protect and the snapshot steps are skipped.
func (rc *RollbackCoordinator) preSnapshot(ctx context.Context, plan *RollbackPlan, target string) (*BackupRecord, error) {
	step := plan.Step(StepPreSnapshot)
	rc.begin(step)

	exists, err := rc.deps.Targets.Exists(ctx, target)
	if err != nil {
		return nil, rc.abort(plan, step, err)
	}
	if !exists {
		rc.skip(step, "target does not exist")
		rc.skip(plan.Step(StepVerifySnapshot), "no snapshot taken")
		return nil, nil
	}

	snapshot, err := rc.creator.CreateBackup(ctx, BackupRequest{Database: target, Kind: KindPreRollback})
	if err != nil {
		return nil, rc.abort(plan, step, err)
	}
	payload := step.Payload.(*PreSnapshotStep)
	payload.Snapshot = snapshot.Name
	payload.Size = snapshot.Size
	plan.PreSnapshotRef = snapshot.Name
	rc.succeed(step, fmt.Sprintf("snapshot %s stored", snapshot.Name))
	return snapshot, nil
}

// verifySnapshot downloads the stored snapshot and verifies it against
// the checksum recorded at creation
func (rc *RollbackCoordinator) verifySnapshot(ctx context.Context, plan *RollbackPlan, snapshot *BackupRecord) error {
	if snapshot == nil {
		return nil
	}
	step := plan.Step(StepVerifySnapshot)
	payload := step.Payload.(*VerifySnapshotStep)
	payload.Snapshot = snapshot.Name
	rc.begin(step)

	result, err := verifyStored(ctx, rc.deps, rc.verifier, snapshot)
	if err != nil {
		return rc.abort(plan, step, err)
	}
	payload.Entries = result.Entries
	rc.succeed(step, result.Detail)
	return nil
}

func (rc *RollbackCoordinator) begin(step *RollbackStep) {
	step.StartedAt = rc.deps.Clock.Now()
}

func (rc *RollbackCoordinator) succeed(step *RollbackStep, detail string) {
	step.Status = StepSucceeded
	step.Detail = detail
	step.FinishedAt = rc.deps.Clock.Now()
}

func (rc *RollbackCoordinator) skip(step *RollbackStep, detail string) {
	step.Status = StepSkipped
	step.Detail = detail
	step.FinishedAt = rc.deps.Clock.Now()
}

// abort fails step without the target having been modified
func (rc *RollbackCoordinator) abort(plan *RollbackPlan, step *RollbackStep, err error) error {
	return rc.failStep(plan, step, RollbackAborted, err)
}

// partial fails step after the target may have been modified
func (rc *RollbackCoordinator) partial(plan *RollbackPlan, step *RollbackStep, err error) error {
	return rc.failStep(plan, step, RollbackPartial, err)
}

func (rc *RollbackCoordinator) failStep(plan *RollbackPlan, step *RollbackStep, outcome RollbackOutcome, err error) error {
	step.Status = StepFailed
	step.Error = apperrors.FormatUserError(err)
	step.FinishedAt = rc.deps.Clock.Now()
	plan.Outcome = outcome
	plan.FailedStep = step.Kind()

	rc.deps.Logger.WithFields(map[string]interface{}{
		"target":  plan.Target,
		"step":    string(step.Kind()),
		"outcome": string(outcome),
	}).WithError(err).Error("Rollback step failed")

	return &RollbackError{Step: step.Kind(), Outcome: outcome, Err: err}
}

func rollbackEvent(plan *RollbackPlan, err error) Event {
	event := Event{
		Operation: "rollback",
		Status:    EventSucceeded,
		Backup:    plan.RecoveryRef,
		Target:    plan.Target,
		Message:   fmt.Sprintf("Rolled %s back to %s", plan.Target, plan.RecoveryRef),
	}
	if err != nil {
		event.Status = EventFailed
		if plan.Outcome == RollbackPartial {
			event.Status = EventPartial
		}
		event.Message = fmt.Sprintf("Rollback of %s %s at step %s", plan.Target, plan.Outcome, plan.FailedStep)
		event.Error = apperrors.FormatUserError(err)
	}
	return event
}
