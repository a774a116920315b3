package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/database"

	"github.com/spf13/cobra"
)

func newRestoreCommand(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a snapshot into its live target",
		Long: `Restore a snapshot. An entity snapshot replaces the whole table in one
transaction, a full dump is replayed through the mysql client and an asset
archive replaces the asset directory. On failure the live data is unchanged.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			record, err := s.app.Store.Get(args[0])
			if err != nil {
				return opts.fail(s.printer, fmt.Sprintf("Restore of %s failed", args[0]), err)
			}
			confirmed, err := opts.confirmer().ConfirmRestore(record, yes)
			if err != nil {
				return opts.fail(s.printer, "Restore not confirmed", backup.NewInvalidArgumentError(err.Error(), err))
			}
			if !confirmed {
				s.printer.Warning("Restore cancelled")
				return nil
			}

			result, err := s.app.Engine.Restore(cmd.Context(), args[0])
			if err != nil {
				return opts.fail(s.printer, fmt.Sprintf("Restore of %s failed", args[0]), err)
			}
			return s.printer.RestoreResult(result)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "restore without asking for confirmation")
	return cmd
}

func newRestorePointCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore-point <entity>",
		Short: "Take an ad-hoc snapshot of an entity to roll back to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			record, err := s.app.Coordinator.CreateRestorePoint(cmd.Context(), args[0])
			if err != nil {
				return opts.fail(s.printer, fmt.Sprintf("Restore point for %s failed", args[0]), err)
			}
			if err := s.printer.Snapshot(record); err != nil {
				return err
			}
			s.printer.Success(fmt.Sprintf("Restore %s with: inventory-backup restore %s", args[0], record.ID))
			return nil
		},
	}
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	var (
		file    string
		discard bool
		yes     bool
	)

	cmd := &cobra.Command{
		Use:   "import <entity>",
		Short: "Replace an entity with records from a JSON file under a restore point",
		Long: `Replace every record of an entity with the JSON array in --file.

A restore point is taken first; when the import fails the entity is rolled
back to it. The import never starts when the restore point cannot be taken.
The restore point is kept after a successful import unless
--discard-restore-point is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entity := args[0]
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			records, err := readRecords(file)
			if err != nil {
				return opts.fail(s.printer, "Invalid import file", err)
			}
			if s.app.Records == nil {
				return opts.fail(s.printer, "Import failed", backup.NewConfigurationError("imports need a configured database", nil))
			}
			confirmed, err := opts.confirmer().ConfirmImport(entity, len(records), yes)
			if err != nil {
				return opts.fail(s.printer, "Import not confirmed", backup.NewInvalidArgumentError(err.Error(), err))
			}
			if !confirmed {
				s.printer.Warning("Import cancelled")
				return nil
			}

			locks := s.app.Engine.Locks()
			outcome, err := s.app.Coordinator.Run(cmd.Context(), entity, func(ctx context.Context) error {
				unlock := locks.Lock(entity)
				defer unlock()
				return s.app.Records.ReplaceAll(ctx, entity, records)
			})
			if err != nil {
				return opts.fail(s.printer, fmt.Sprintf("Import into %s failed (%s)", entity, outcome.State), err)
			}

			s.printer.Success(fmt.Sprintf("Imported %d records into %s", len(records), entity))
			if discard {
				if err := s.app.Coordinator.Discard(outcome); err != nil {
					s.printer.Warning(fmt.Sprintf("Restore point %s was kept: %v", outcome.RestorePointID, err))
				}
				return nil
			}
			s.printer.Info(fmt.Sprintf("Restore point kept: %s", outcome.RestorePointID))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file holding an array of records")
	cmd.Flags().BoolVar(&discard, "discard-restore-point", false, "delete the restore point after a successful import")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "import without asking for confirmation")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readRecords(path string) ([]database.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, backup.NewInvalidArgumentError(fmt.Sprintf("cannot read %s", path), err)
	}
	// Numbers stay exact: ids above 2^53 do not survive a float64.
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var records []database.Record
	if err := decoder.Decode(&records); err != nil {
		return nil, backup.NewInvalidArgumentError(fmt.Sprintf("%s is not a JSON array of records", path), err)
	}
	for _, record := range records {
		for column, value := range record {
			if number, ok := value.(json.Number); ok {
				record[column] = number.String()
			}
		}
	}
	return records, nil
}
