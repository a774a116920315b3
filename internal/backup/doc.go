// Package backup implements the backup and restore engine of the inventory service.
//
// Snapshots come in three kinds: full database dumps, per-entity JSON
// snapshots and archives of the asset directory. Every snapshot is a single
// file in a FileStore, named after its tier and creation time, so the store
// can be listed and pruned without an index.
//
// Core Components:
//
// - Classifier: maps the calendar date of a scheduled run to daily, weekly or monthly
// - Executor: produces a snapshot, commits it atomically and applies retention
// - Enforcer: keeps the newest N snapshots per tier and source
// - Engine: validates a snapshot completely and only then replaces live data
// - Coordinator: runs a mutating operation under a restore point and rolls it back on failure
// - Scheduler: triggers the tiered backups of every source on a cron schedule
//
// Example usage:
//
//	executor, err := backup.NewExecutor(backup.ExecutorConfig{
//		Store:      store,
//		Records:    backup.WithEntityLocks(records, locks),
//		Dumper:     dumper,
//		Classifier: backup.DefaultClassifier(),
//		Enforcer:   backup.NewEnforcer(store, backup.DefaultRetentionPolicy(), logger),
//	})
//	if err != nil {
//		return err
//	}
//
//	record, err := executor.Execute(ctx, executor.DatabaseSource(), backup.ExecuteOptions{})
//	if err != nil {
//		return fmt.Errorf("backup failed: %w", err)
//	}
//
//	coordinator := backup.NewCoordinator(executor, engine, store, logger)
//	outcome, err := coordinator.Run(ctx, "clients", importClients)
//	if backup.IsRecovered(err) {
//		// the import failed and clients were restored from outcome.RestorePointID
//	}
package backup
