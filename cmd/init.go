package cmd

import (
	"fmt"
	"strings"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/config"
	"inventory-backup/internal/display"

	"github.com/spf13/cobra"
)

func newInitCommand(opts *rootOptions) *cobra.Command {
	var (
		output string
		force  bool
		check  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file or check the current one",
		Long: `Write a configuration file holding every default and sample connection
values, or with --check verify that the current configuration can run
backups on this host: storage is writable, the mysqldump and mysql tools
are installed and the assets directory exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printer, err := opts.printer()
			if err != nil {
				return err
			}

			if !check {
				if err := config.WriteDefaultConfig(output, force); err != nil {
					return opts.fail(printer, "Failed to write configuration", err)
				}
				printer.Success(fmt.Sprintf("Configuration written to %s", output))
				return nil
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return opts.fail(printer, "Invalid configuration", err)
			}
			result := config.NewInitializer(cfg).Check()
			if printer.Format() == display.FormatJSON || printer.Format() == display.FormatYAML {
				if err := printer.Value(result); err != nil {
					return err
				}
			} else {
				for _, warning := range result.Warnings {
					printer.Warning(warning)
				}
				for _, fix := range result.RecommendedFixes {
					printer.Info("fix: " + fix)
				}
			}
			if !result.Success {
				return opts.fail(printer, "Environment check failed",
					backup.NewConfigurationError(strings.Join(result.Errors, "; "), nil))
			}
			printer.Success("Environment is ready for backups")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", config.ConfigName+".yaml", "file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&check, "check", false, "check the current configuration instead of writing one")
	return cmd
}
