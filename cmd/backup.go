package cmd

import (
	"context"

	"dbvault/internal/application"
	"dbvault/internal/display"

	"github.com/spf13/cobra"
)

func (c *cli) backupCommand() *cobra.Command {
	var database string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of a database",
		Long: `Create a compressed native dump of a database and store it, with its
checksum, in the configured object storage.

The backup is named backup_<UTC yyyyMMdd_HHMMSS>.<ext> and appears in the
catalog only once both the artifact and its checksum are stored.

Examples:
  # Back up the database named in the configuration
  dbvault backup

  # Back up another database on the same server
  dbvault backup --database inventory`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *application.Application, printer *display.Printer) error {
				rec, err := app.Backup(ctx, database)
				if err != nil {
					return err
				}
				return printer.Backup(rec)
			})
		},
	}
	cmd.Flags().StringVarP(&database, "database", "d", "", "database to back up (default is database.name)")
	return cmd
}

func (c *cli) listBackupsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "list-backups",
		Aliases: []string{"ls"},
		Short:   "List stored backups, newest first",
		Long: `List the backups in the catalog sorted by creation time, newest first.

Examples:
  # Show the ten most recent backups
  dbvault list-backups --limit 10

  # Machine-readable listing
  dbvault list-backups --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *application.Application, printer *display.Printer) error {
				records, err := app.ListBackups(ctx, limit)
				if err != nil {
					return err
				}
				return printer.Backups(records, app.Now())
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most N backups (0 shows all)")
	return cmd
}

func (c *cli) verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <backup>",
		Short: "Verify the integrity of a stored backup",
		Long: `Download a backup and check it without restoring it: first the dump's
table of contents is listed with the native restore utility, then its
checksum is compared with the one recorded at backup time.

A backup without a recorded checksum is reported as unverifiable and the
command fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *application.Application, printer *display.Printer) error {
				rec, result, err := app.Verify(ctx, args[0])
				if rec != nil && result != nil {
					if perr := printer.Verification(rec, result); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}
