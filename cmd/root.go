package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"dbvault/internal/application"
	"dbvault/internal/config"
	"dbvault/internal/display"
	apperrors "dbvault/internal/errors"

	"github.com/spf13/cobra"
)

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// globalFlags are the persistent flags shared by every subcommand
type globalFlags struct {
	cfgFile    string
	verbose    bool
	quiet      bool
	format     string
	noColor    bool
	theme      string
	tableStyle string
}

// cli holds the state of one command-line invocation
type cli struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer

	// newApp builds the application; tests replace it
	newApp func(ctx context.Context, cfg *config.Config, opts application.Options) (*application.Application, error)
}

// NewRootCommand builds the dbvault command tree writing to stdout and stderr
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, newApp: application.New}
	return c.rootCommand()
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dbvault",
		Short: "Back up databases to object storage and restore them safely",
		Long: `dbvault creates compressed native dumps of PostgreSQL or MySQL databases,
stores them with a checksum in local, S3, GCS or Azure object storage, and
restores them through a verified state machine.

Every restore is verified before the target database is touched. Rollbacks
take and verify a safety snapshot of the target first.

Examples:
  # Write a starter configuration
  dbvault config init

  # Back up the configured database
  dbvault backup

  # Restore a backup into a new database
  dbvault restore backup_20240101_020000.sql.gz orders_copy

  # Return a database to its newest backup
  dbvault rollback orders`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.flags.verbose && c.flags.quiet {
				return apperrors.NewAppError(apperrors.ErrorTypeValidation, "--verbose and --quiet flags are mutually exclusive", nil)
			}
			if _, err := display.ParseFormat(c.flags.format); err != nil {
				return apperrors.NewAppError(apperrors.ErrorTypeValidation, err.Error(), nil)
			}
			return nil
		},
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.cfgFile, "config", "", "config file (default is ./dbvault.yaml, then $HOME/.config/dbvault/dbvault.yaml)")
	pf.BoolVarP(&c.flags.verbose, "verbose", "v", false, "enable verbose output")
	pf.BoolVarP(&c.flags.quiet, "quiet", "q", false, "suppress non-error output")
	pf.StringVar(&c.flags.format, "format", "table", "output format (table, json, yaml)")
	pf.BoolVar(&c.flags.noColor, "no-color", false, "disable color output")
	pf.StringVar(&c.flags.theme, "theme", "dark", "color theme (dark, light)")
	pf.StringVar(&c.flags.tableStyle, "table-style", "default", "table style (default, rounded, minimal)")

	root.AddCommand(
		c.backupCommand(),
		c.listBackupsCommand(),
		c.verifyCommand(),
		c.restoreCommand(),
		c.rollbackCommand(),
		c.sweepCommand(),
		c.statusCommand(),
		c.configCommand(),
		c.versionCommand(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code
func Execute() int {
	c := &cli{stdout: os.Stdout, stderr: os.Stderr, newApp: application.New}
	return c.execute(nil)
}

// execute runs the command tree with args, or os.Args when args is nil,
// and reports a failure with the output flags the user gave
func (c *cli) execute(args []string) int {
	root := c.rootCommand()
	if args != nil {
		root.SetArgs(args)
	}
	if err := root.Execute(); err != nil {
		reportError(display.NewPrinter(c.printerOptions(c.stdout, c.stderr)), err)
		return 1
	}
	return 0
}

// reportError prints the user-facing failure reason and hints
func reportError(printer *display.Printer, err error) {
	printer.Error(apperrors.FormatUserError(err))
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return
	}
	hints := application.TroubleshootingHints(err)
	if len(hints) == 0 {
		return
	}
	printer.Info("Troubleshooting hints:")
	for _, hint := range hints {
		printer.Info("  - " + hint)
	}
}

func (c *cli) printer(cmd *cobra.Command) *display.Printer {
	return display.NewPrinter(c.printerOptions(cmd.OutOrStdout(), cmd.ErrOrStderr()))
}

func (c *cli) printerOptions(out, errOut io.Writer) display.Options {
	format, _ := display.ParseFormat(c.flags.format)
	return display.Options{
		Format:     format,
		Color:      !c.flags.noColor,
		Theme:      c.flags.theme,
		TableStyle: c.flags.tableStyle,
		Quiet:      c.flags.quiet,
		Writer:     out,
		ErrWriter:  errOut,
	}
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader().Load(c.flags.cfgFile)
	if err != nil {
		if apperrors.GetErrorType(err) == apperrors.ErrorTypeUnknown {
			return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, err.Error(), err)
		}
		return nil, err
	}
	return cfg, nil
}

// withApp loads configuration, builds the application, runs fn under a
// signal-aware context and releases the application afterwards
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *application.Application, printer *display.Printer) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := apperrors.SignalContext(cmd.Context())
	defer stop()

	app, err := c.newApp(ctx, cfg, application.Options{
		Verbose:   c.flags.verbose,
		Quiet:     c.flags.quiet,
		LogOutput: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	return fn(ctx, app, c.printer(cmd))
}

func (c *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dbvault version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}
