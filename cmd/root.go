package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"inventory-backup/internal/application"
	"inventory-backup/internal/config"
	"inventory-backup/internal/confirmation"
	"inventory-backup/internal/display"
	"inventory-backup/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
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

// rootOptions holds the persistent flags shared by every command
type rootOptions struct {
	configFile string
	verbose    bool
	quiet      bool
	format     string
	theme      string
	noColor    bool
	noIcons    bool
	logFile    string

	viper  *viper.Viper
	out    io.Writer
	errOut io.Writer
	// newApp is replaced in tests
	newApp func(ctx context.Context, cfg *config.Config, opts application.Options) (*application.Application, error)
	confirm func(out io.Writer, useColors bool) confirmation.Service
}

// reportedError marks a failure that was already printed
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// NewRootCommand builds the command tree writing to out and errOut
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	return newRootCommand(&rootOptions{
		viper:  viper.New(),
		out:    out,
		errOut: errOut,
		newApp:  application.New,
		confirm: confirmation.NewService,
	})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "inventory-backup",
		Short: "Tiered backups, restores and restore points for the inventory database",
		Long: `inventory-backup snapshots the inventory database, its entities and its
asset directory into a local store with daily, weekly and monthly tiers,
prunes each tier to its retention count, restores any snapshot atomically and
protects bulk operations with restore points.

Examples:
  # Back up every configured source now
  inventory-backup create

  # Take a manual snapshot of the database labelled before-import
  inventory-backup create before-import --source database

  # List weekly snapshots as JSON
  inventory-backup list --tier weekly --format json

  # Restore a snapshot
  inventory-backup restore daily-clients-2024-03-01T02-00-00Z.json

  # Run the scheduler and the REST API
  inventory-backup serve --config /etc/inventory-backup.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.verbose && opts.quiet {
				return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default is ./inventory-backup.yaml)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress non-error output")
	flags.StringVar(&opts.format, "format", "table", "output format (table, json, yaml, compact)")
	flags.StringVar(&opts.theme, "theme", "dark", "color theme (dark, light, high-contrast)")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable color output")
	flags.BoolVar(&opts.noIcons, "no-icons", false, "disable Unicode icons")
	flags.StringVar(&opts.logFile, "log-file", "", "also write logs to this file")

	_ = opts.viper.BindPFlag("logging.file", flags.Lookup("log-file"))

	rootCmd.AddCommand(
		newCreateCommand(opts),
		newListCommand(opts),
		newStatsCommand(opts),
		newVerifyCommand(opts),
		newPruneCommand(opts),
		newRestoreCommand(opts),
		newRestorePointCommand(opts),
		newImportCommand(opts),
		newServeCommand(opts),
		newInitCommand(opts),
		createVersionCommand(opts),
	)
	rootCmd.SetOut(opts.out)
	rootCmd.SetErr(opts.errOut)
	return rootCmd
}

// Execute runs the command line and exits 1 on failure
func Execute() {
	rootCmd := NewRootCommand(os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadConfig resolves the configuration and applies the output flags to it
func (o *rootOptions) loadConfig() (*config.Config, error) {
	loader := config.NewLoader(o.viper)
	cfg, err := loader.Load(o.configFile)
	if err != nil {
		return nil, err
	}

	switch {
	case o.quiet:
		cfg.Logging.Level = string(logging.LogLevelQuiet)
	case o.verbose:
		cfg.Logging.Level = string(logging.LogLevelVerbose)
	}
	return cfg, nil
}

// confirmer prompts on the command output
func (o *rootOptions) confirmer() confirmation.Service {
	if o.confirm == nil {
		return confirmation.NewService(o.out, !o.noColor)
	}
	return o.confirm(o.out, !o.noColor)
}

func (o *rootOptions) printer() (*display.Printer, error) {
	return display.NewPrinter(&display.Config{
		ColorEnabled: !o.noColor,
		Theme:        o.theme,
		OutputFormat: o.format,
		UseIcons:     !o.noIcons,
		Quiet:        o.quiet,
		Writer:       o.out,
		ErrWriter:    o.errOut,
	})
}

// fail prints err through the printer and marks it as reported
func (o *rootOptions) fail(printer *display.Printer, summary string, err error) error {
	printer.Failure(summary, err)
	return &reportedError{err: err}
}

// session is what a command needs to run against the engine
type session struct {
	app     *application.Application
	printer *display.Printer
}

// open loads the configuration and wires the application. Failures are
// printed before they are returned.
func (o *rootOptions) open(ctx context.Context) (*session, error) {
	printer, err := o.printer()
	if err != nil {
		return nil, err
	}

	cfg, err := o.loadConfig()
	if err != nil {
		return nil, o.fail(printer, "Invalid configuration", err)
	}

	app, err := o.newApp(ctx, cfg, application.Options{})
	if err != nil {
		return nil, o.fail(printer, "Failed to initialize", err)
	}
	return &session{app: app, printer: printer}, nil
}

func (s *session) close() {
	if err := s.app.Close(); err != nil {
		s.app.Logger.WithField("error", err.Error()).Warn("Failed to release resources")
	}
}

// createVersionCommand creates the version subcommand
func createVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  "Print the version information for inventory-backup",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(opts.out, "inventory-backup version %s\n", version)
			fmt.Fprintf(opts.out, "Built: %s\n", buildTime)
			fmt.Fprintf(opts.out, "Commit: %s\n", gitCommit)
			fmt.Fprintf(opts.out, "Go version: %s\n", goVersion)
		},
	}
}
