package application

import (
	apperrors "dbvault/internal/errors"
)

// TroubleshootingHints returns suggestions for the failure class of err
func TroubleshootingHints(err error) []string {
	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeConnection:
		return []string{
			"Check that the database server and object store are reachable",
			"Verify the host and port in the configuration",
			"Check firewall and proxy settings",
		}
	case apperrors.ErrorTypePermission:
		return []string{
			"Verify the database username and password",
			"Check that the user may create databases on the target server",
			"Check the object store credentials and bucket policy",
		}
	case apperrors.ErrorTypeTargetConflict:
		return []string{
			"Choose a target database that does not exist yet",
			"Pass --force to restore over the existing database",
			"Use --guarded to keep a safety snapshot while overwriting",
		}
	case apperrors.ErrorTypeTargetBusy:
		return []string{"Another restore or rollback is running against this target; retry when it finishes"}
	case apperrors.ErrorTypeChecksumMismatch, apperrors.ErrorTypeStructuralCorruption:
		return []string{
			"The stored backup is damaged and was not applied",
			"Run list-backups and pick an older backup",
		}
	case apperrors.ErrorTypeUnverifiable:
		return []string{
			"The backup has no recorded checksum",
			"Pass --no-verify or set restore.allow_unverified if you trust its origin",
		}
	case apperrors.ErrorTypeUtilityExecution:
		return []string{
			"Check that the native dump and restore utilities are installed and on PATH",
			"Review utilities.* in the configuration",
			"Run with --verbose to see the utility's stderr",
		}
	case apperrors.ErrorTypeTimeout:
		return []string{"Increase utilities.timeout for large databases"}
	case apperrors.ErrorTypeNotFound:
		return []string{"Run list-backups to see the available backup names"}
	case apperrors.ErrorTypeConfiguration:
		return []string{"Run 'dbvault config init' to generate a complete configuration file"}
	}
	return nil
}
