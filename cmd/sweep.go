package cmd

import (
	"context"
	"errors"

	"dbvault/internal/application"
	"dbvault/internal/backup"
	"dbvault/internal/display"

	"github.com/spf13/cobra"
)

func (c *cli) sweepCommand() *cobra.Command {
	var dryRun, daemon bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete backups older than the retention window",
		Long: `Delete backups whose age exceeds retention.days. A backup exactly
retention.days old is kept. A backup that cannot be deleted is reported and
the sweep carries on with the rest.

With --daemon the sweep repeats every retention.sweep_interval until the
process is interrupted.

Examples:
  # Show what would be deleted
  dbvault sweep --dry-run

  # Run continuously
  dbvault sweep --daemon`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *application.Application, printer *display.Printer) error {
				if daemon {
					err := app.RunSweeper(ctx, dryRun, func(result *backup.SweepResult) {
						if perr := printer.Sweep(result); perr != nil {
							app.Logger().WithError(perr).Warn("Failed to print sweep result")
						}
					})
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}

				result, err := app.Sweep(ctx, dryRun)
				if err != nil {
					return err
				}
				return printer.Sweep(result)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report expired backups without deleting them")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "sweep repeatedly at retention.sweep_interval")
	return cmd
}

func (c *cli) statusCommand() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show storage health, catalog totals and recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *application.Application, printer *display.Printer) error {
				report, err := app.Status(ctx, recent)
				if err != nil {
					return err
				}
				return printer.Status(report)
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent operations to show")
	return cmd
}
