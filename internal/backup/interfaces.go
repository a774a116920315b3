package backup

import (
	"context"
	"io"
	"os"
	"time"
)

// SnapshotStore abstracts the persisted set of snapshots
type SnapshotStore interface {
	List(filter ListFilter) ([]*SnapshotRecord, error)
	Get(id string) (*SnapshotRecord, error)
	Open(id string) (io.ReadCloser, *SnapshotRecord, error)
	Delete(id string) error
	Stats() (*StoreStats, error)

	// TempFile creates a scratch file on the same filesystem as the store
	TempFile(kind Kind) (*os.File, error)
	// Commit moves a finished temp file into the store under its final name
	Commit(tempPath string, spec SnapshotName) (*SnapshotRecord, error)
}

// Dumper exports and imports a whole database as a SQL stream
type Dumper interface {
	Dump(ctx context.Context, w io.Writer) error
	Restore(ctx context.Context, r io.Reader) error
}

// Mirror copies a committed artifact somewhere off this machine
type Mirror interface {
	Upload(ctx context.Context, record *SnapshotRecord, r io.Reader) error
	Name() string
}

// Restorer restores a snapshot by id
type Restorer interface {
	Restore(ctx context.Context, id string) (*RestoreResult, error)
}

// Backupper produces a snapshot of a source
type Backupper interface {
	Execute(ctx context.Context, source Source, opts ExecuteOptions) (*SnapshotRecord, error)
}

// SnapshotName carries everything needed to name a committed artifact
type SnapshotName struct {
	Kind      Kind
	Tier      Tier
	Source    string
	Label     string
	CreatedAt time.Time
	Extension string
}
