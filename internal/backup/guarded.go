package backup

import (
	"context"
	"fmt"

	"dbvault/internal/database"
	apperrors "dbvault/internal/errors"
)

// GuardedRestoreResult reports a rollback-guarded restore
type GuardedRestoreResult struct {
	Restore  *RestoreOperation `json:"restore"`
	Snapshot *BackupRecord     `json:"snapshot,omitempty"`
	// Revert is the restore that re-applied Snapshot after a failure
	Revert    *RestoreOperation `json:"revert,omitempty"`
	Reverted  bool              `json:"reverted"`
	RevertErr string            `json:"revert_error,omitempty"`
}

// GuardedRestore restores name into target like RestoreBackup, but first
// stores and verifies a snapshot of an existing target (which requires
// opts.Force). If the restore
// fails after the target may have been modified, the snapshot is restored
// automatically. The original restore error is returned either way.
func (rc *RollbackCoordinator) GuardedRestore(ctx context.Context, name, target string, opts RestoreOptions) (*GuardedRestoreResult, error) {
	d := rc.deps
	o := rc.orchestrator
	result := &GuardedRestoreResult{}

	op := o.newOperation(ctx, name, target)
	result.Restore = op
	if err := database.ValidateIdentifier(target); err != nil {
		return result, o.finish(ctx, op, op.fail(err))
	}

	release, err := d.Locks.Acquire(ctx, target)
	if err != nil {
		return result, o.finish(ctx, op, op.fail(err))
	}
	defer release()

	exists, err := d.Targets.Exists(ctx, target)
	if err != nil {
		return result, o.finish(ctx, op, op.fail(err))
	}
	if exists {
		if !opts.Force {
			return result, o.finish(ctx, op, op.fail(apperrors.NewTargetConflictError(target)))
		}
		snapshot, err := rc.creator.CreateBackup(ctx, BackupRequest{Database: target, Kind: KindPreRollback})
		if err != nil {
			return result, o.finish(ctx, op, op.fail(fmt.Errorf("safety snapshot of %s failed: %w", target, err)))
		}
		if _, err := verifyStored(ctx, d, rc.verifier, snapshot); err != nil {
			return result, o.finish(ctx, op, op.fail(fmt.Errorf("safety snapshot %s failed verification: %w", snapshot.Name, err)))
		}
		result.Snapshot = snapshot
	}

	restoreErr := o.restoreLocked(ctx, op, opts)
	if restoreErr == nil || result.Snapshot == nil || !op.FailedPhase.TouchesTarget() {
		return result, restoreErr
	}

	log := d.Logger.WithContext(ctx).WithField("target", target).WithField("snapshot", result.Snapshot.Name)
	log.Warn("Restore failed after modifying the target; re-applying safety snapshot")

	revert := o.newOperation(ctx, result.Snapshot.Name, target)
	result.Revert = revert
	if err := o.restoreLocked(ctx, revert, RestoreOptions{Verify: true, Force: true}); err != nil {
		result.RevertErr = apperrors.FormatUserError(err)
		log.WithError(err).Error("Failed to re-apply safety snapshot; target is in an unknown state")
		return result, restoreErr
	}
	result.Reverted = true
	log.Info("Safety snapshot re-applied")
	return result, restoreErr
}
