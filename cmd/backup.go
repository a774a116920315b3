package cmd

import (
	"fmt"
	"strings"

	"inventory-backup/internal/application"
	"inventory-backup/internal/backup"

	"github.com/spf13/cobra"
)

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		sources []string
		manual  bool
	)

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create snapshots now",
		Long: `Create snapshots of the configured sources.

Without a name the run is tiered exactly like a scheduled run: the snapshot
lands in the daily, weekly or monthly tier and that tier is pruned afterwards.
A name, or --manual, makes the snapshots ad-hoc; they are never pruned by the
tiered retention.

Sources are "database" for a full dump, "assets" for the asset directory, or
an entity (table) name. The default is every configured source.

Examples:
  inventory-backup create
  inventory-backup create --source clients --source sellers
  inventory-backup create before-price-update --source database`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			execOpts := backup.ExecuteOptions{Adhoc: manual}
			if len(args) == 1 {
				execOpts.Adhoc = true
				execOpts.Label = args[0]
			}

			targets, err := resolveSources(s.app, sources)
			if err != nil {
				return opts.fail(s.printer, "Nothing to back up", err)
			}

			var (
				records []*backup.SnapshotRecord
				failed  []error
			)
			for _, source := range targets {
				record, err := s.app.Executor.Execute(cmd.Context(), source, execOpts)
				if err != nil {
					s.printer.Failure(fmt.Sprintf("Backup of %s failed", source.Key()), err)
					failed = append(failed, err)
					continue
				}
				records = append(records, record)
			}

			if len(records) > 0 {
				if err := s.printer.Snapshots(records, nil); err != nil {
					return err
				}
			}
			if len(failed) > 0 {
				return &reportedError{err: fmt.Errorf("%d of %d backups failed", len(failed), len(targets))}
			}
			s.printer.Success(fmt.Sprintf("Created %d snapshot(s)", len(records)))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, `source to back up: "database", "assets" or an entity name (repeatable)`)
	cmd.Flags().BoolVar(&manual, "manual", false, "create ad-hoc snapshots instead of tiered ones")
	return cmd
}

// resolveSources maps source names onto executor sources. No names means
// every configured source.
func resolveSources(app *application.Application, names []string) ([]backup.Source, error) {
	if len(names) == 0 {
		sources := app.Sources()
		if len(sources) == 0 {
			return nil, backup.NewConfigurationError("no database, entities or assets directory configured", nil)
		}
		return sources, nil
	}

	sources := make([]backup.Source, 0, len(names))
	for _, name := range names {
		switch strings.TrimSpace(name) {
		case "database":
			sources = append(sources, app.Executor.DatabaseSource())
		case "assets":
			source, ok := app.Executor.AssetsSource()
			if !ok {
				return nil, backup.NewConfigurationError("no assets directory configured", nil)
			}
			sources = append(sources, source)
		default:
			sources = append(sources, backup.Source{Kind: backup.KindEntitySnapshot, Name: strings.TrimSpace(name)})
		}
	}
	return sources, nil
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var tier, kind, source string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List snapshots, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			filter := backup.ListFilter{Source: source}
			if tier != "" {
				if filter.Tier, err = backup.ParseTier(tier); err != nil {
					return opts.fail(s.printer, "Invalid filter", backup.NewInvalidArgumentError(err.Error(), nil))
				}
			}
			if kind != "" {
				if filter.Kind, err = backup.ParseKind(kind); err != nil {
					return opts.fail(s.printer, "Invalid filter", backup.NewInvalidArgumentError(err.Error(), nil))
				}
			}

			records, err := s.app.Store.List(filter)
			if err != nil {
				return opts.fail(s.printer, "Failed to list snapshots", err)
			}
			return s.printer.Snapshots(records, backup.ComputeStats(records))
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "", "only this tier (daily, weekly, monthly, adhoc)")
	cmd.Flags().StringVar(&kind, "kind", "", "only this kind (full_dump, entity_snapshot, asset_archive)")
	cmd.Flags().StringVar(&source, "source", "", "only snapshots of this source")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show snapshot counts and sizes per tier and kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			stats, err := s.app.Store.Stats()
			if err != nil {
				return opts.fail(s.printer, "Failed to read statistics", err)
			}
			return s.printer.Stats(stats)
		},
	}
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Check that a snapshot can be restored without touching live data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			result, err := s.app.Engine.Verify(cmd.Context(), args[0])
			if err != nil {
				return opts.fail(s.printer, fmt.Sprintf("Snapshot %s is not restorable", args[0]), err)
			}
			return s.printer.VerifyResult(result)
		},
	}
}

func newPruneCommand(opts *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to every tier",
		Long: `Delete the snapshots of each tier beyond its retention count, oldest first,
counted per kind and source. Ad-hoc snapshots are only pruned when
retention.manual is set. --dry-run lists what would be deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			if dryRun {
				results, err := s.app.Enforcer.PlanAll()
				if err != nil {
					return opts.fail(s.printer, "Failed to plan retention", err)
				}
				return s.printer.Retention(results)
			}

			results, err := s.app.Enforcer.EnforceAll(cmd.Context())
			if err != nil {
				return opts.fail(s.printer, "Retention failed", err)
			}
			if s.app.Enforcer.Policy().Manual > 0 {
				manual, err := s.app.Enforcer.EnforceManual(cmd.Context())
				if err != nil {
					return opts.fail(s.printer, "Retention of manual snapshots failed", err)
				}
				results = append(results, manual)
			}
			if err := s.printer.Retention(results); err != nil {
				return err
			}

			for _, result := range results {
				if len(result.Failed) > 0 {
					return opts.fail(s.printer, "Some snapshots could not be deleted",
						backup.NewBackupError(backup.BackupErrorTypeOperationFailed,
							fmt.Sprintf("%d snapshot(s) of tier %s could not be deleted", len(result.Failed), result.Tier), nil))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show what would be deleted")
	return cmd
}
