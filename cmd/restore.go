package cmd

import (
	"context"
	"fmt"

	"dbvault/internal/application"
	"dbvault/internal/confirmation"
	"dbvault/internal/display"
	apperrors "dbvault/internal/errors"

	"github.com/spf13/cobra"
)

type restoreFlags struct {
	verify          bool
	noVerify        bool
	force           bool
	guarded         bool
	allowUnverified bool
	yes             bool
	canaryTable     string
}

func (c *cli) restoreCommand() *cobra.Command {
	var f restoreFlags
	cmd := &cobra.Command{
		Use:   "restore <backup> <target>",
		Short: "Restore a backup into a target database",
		Long: `Restore a stored backup into a target database.

The restore moves through PENDING, DOWNLOADING, VERIFYING, DB_PREP,
RESTORING and POST_VERIFY before it SUCCEEDS; any failure ends it in
FAILED and names the phase. A corrupt backup never reaches the target.

An existing target is refused unless --force is given. With --guarded an
existing target is first backed up and verified, and that snapshot is
restored again if the restore fails after the target was touched.

Examples:
  # Restore into a new database
  dbvault restore backup_20240101_020000.sql.gz orders_copy

  # Overwrite an existing database, keeping a safety snapshot
  dbvault restore backup_20240101_020000.sql.gz orders --force --guarded`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.verify && f.noVerify {
				return apperrors.NewAppError(apperrors.ErrorTypeValidation, "--verify and --no-verify flags are mutually exclusive", nil)
			}
			return c.withApp(cmd, func(ctx context.Context, app *application.Application, printer *display.Printer) error {
				opts := app.DefaultRestoreOptions()
				switch {
				case f.verify:
					opts.Verify = true
				case f.noVerify:
					opts.Verify = false
				}
				opts.Force = f.force
				if f.allowUnverified {
					opts.AllowUnverified = true
				}
				if f.canaryTable != "" {
					opts.CanaryTable = f.canaryTable
				}

				if f.force {
					action := confirmation.Action{
						Title:  fmt.Sprintf("Restore into %s", args[1]),
						Fields: [][2]string{{"Backup", args[0]}, {"Target", args[1]}},
						Warnings: []string{
							fmt.Sprintf("Existing objects in %s will be replaced", args[1]),
						},
					}
					if f.guarded {
						action.Fields = append(action.Fields, [2]string{"Safety snapshot", "taken first"})
					}
					if ok, err := c.confirm(ctx, cmd, printer, action, f.yes); !ok || err != nil {
						return err
					}
				}

				if f.guarded {
					result, err := app.GuardedRestore(ctx, args[0], args[1], opts)
					if result != nil && result.Restore != nil {
						if perr := printer.GuardedRestore(result); perr != nil {
							return perr
						}
					}
					return err
				}

				op, err := app.Restore(ctx, args[0], args[1], opts)
				if op != nil {
					if perr := printer.Restore(op); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&f.verify, "verify", false, "verify the backup before restoring (default from restore.verify)")
	flags.BoolVar(&f.noVerify, "no-verify", false, "skip integrity verification")
	flags.BoolVarP(&f.force, "force", "f", false, "restore into an existing target database")
	flags.BoolVar(&f.guarded, "guarded", false, "snapshot an existing target first and revert to it on failure")
	flags.BoolVar(&f.allowUnverified, "allow-unverified", false, "accept a backup that has no recorded checksum")
	flags.BoolVarP(&f.yes, "yes", "y", false, "do not ask before overwriting an existing target")
	flags.StringVar(&f.canaryTable, "canary-table", "", "table whose rows are counted after the restore (default from restore.canary_table)")
	return cmd
}

func (c *cli) rollbackCommand() *cobra.Command {
	var recovery string
	var yes bool
	cmd := &cobra.Command{
		Use:   "rollback <target>",
		Short: "Return a database to a known-good backup",
		Long: `Return a target database to a known-good backup.

The rollback validates the recovery backup, stores and verifies a safety
snapshot of the current target, restores the recovery backup and checks
the result. It ends SUCCEEDED, PARTIAL (the target may have changed) or
ABORTED (nothing destructive ran), naming the step that failed.

Examples:
  # Roll back to the newest regular backup
  dbvault rollback orders

  # Roll back to a specific backup
  dbvault rollback orders --backup backup_20240101_020000.sql.gz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *application.Application, printer *display.Printer) error {
				ref := recovery
				if ref == "" {
					ref = "newest backup of " + args[0]
				}
				action := confirmation.Action{
					Title:    fmt.Sprintf("Roll back %s", args[0]),
					Fields:   [][2]string{{"Target", args[0]}, {"Recovery backup", ref}},
					Warnings: []string{"The current contents are snapshotted, then replaced"},
				}
				if ok, err := c.confirm(ctx, cmd, printer, action, yes); !ok || err != nil {
					return err
				}

				plan, err := app.Rollback(ctx, args[0], recovery)
				if plan != nil {
					if perr := printer.Rollback(plan); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&recovery, "backup", "b", "", "recovery backup (default is the newest backup of the target)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// confirm asks before a destructive action. A declined prompt reports
// false with a nil error so the command exits cleanly.
func (c *cli) confirm(ctx context.Context, cmd *cobra.Command, printer *display.Printer, action confirmation.Action, yes bool) (bool, error) {
	svc := confirmation.NewService(cmd.InOrStdin(), cmd.ErrOrStderr(), printer.Colors())
	return svc.Confirm(ctx, action, yes)
}
