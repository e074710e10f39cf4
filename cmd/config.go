package cmd

import (
	"context"
	"fmt"

	"dbvault/internal/application"
	"dbvault/internal/config"
	"dbvault/internal/display"

	"github.com/spf13/cobra"
)

func (c *cli) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect the configuration file",
	}
	cmd.AddCommand(c.configInitCommand(), c.configShowCommand(), c.configCheckCommand())
	return cmd
}

func (c *cli) configInitCommand() *cobra.Command {
	var output string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with every option at its default",
		Long: `Write a configuration file with every option at its default value.

Examples:
  # Create ./dbvault.yaml
  dbvault config init

  # Create a system-wide file, replacing any existing one
  dbvault config init --output /etc/dbvault/dbvault.yaml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(output, force); err != nil {
				return err
			}
			c.printer(cmd).Success(fmt.Sprintf("Configuration written to %s", output))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "dbvault.yaml", "path of the file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func (c *cli) configShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			printer := c.printer(cmd)
			if printer.Format() == display.FormatJSON {
				return printer.PrintValue(cfg.Redacted())
			}
			data, err := config.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func (c *cli) configCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and check storage and database access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *application.Application, printer *display.Printer) error {
				if err := app.Check(ctx); err != nil {
					return err
				}
				printer.Success("Configuration is valid; storage and database are reachable")
				return nil
			})
		},
	}
}
