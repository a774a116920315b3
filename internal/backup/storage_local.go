package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"inventory-backup/internal/logging"
)

// TimestampLayout is the filename form of a snapshot timestamp. It sorts
// lexicographically in chronological order and contains no colons.
const TimestampLayout = "2006-01-02T15-04-05Z"

const (
	databaseDir  = "database"
	assetsDir    = "assets"
	snapshotsDir = "snapshots"
	tempDir      = ".tmp"
)

var (
	snapshotFilePattern = regexp.MustCompile(`^(.+)-(\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}Z)(\..+)$`)
	labelPattern        = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,99}$`)
)

// FileStoreOptions configures the filesystem snapshot store
type FileStoreOptions struct {
	// DatabaseFingerprint identifies the database that full dumps come from
	DatabaseFingerprint string
	// AssetsFingerprint identifies the asset directory that archives come from
	AssetsFingerprint string
	// Permissions applied to created directories
	Permissions os.FileMode
}

// FileStore implements SnapshotStore on a local directory tree:
//
//	<root>/database/   full dumps
//	<root>/assets/     asset archives
//	<root>/snapshots/  entity snapshots
//	<root>/.tmp/       in-flight writes
type FileStore struct {
	root    string
	options FileStoreOptions
	logger  *logging.Logger

	// commitMu serialises the existence check and rename in Commit
	commitMu sync.Mutex
}

// NewFileStore creates the directory layout under root
func NewFileStore(root string, options FileStoreOptions, logger *logging.Logger) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, NewConfigurationError("storage root is required", nil)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if options.Permissions == 0 {
		options.Permissions = 0755
	}
	if options.DatabaseFingerprint == "" {
		options.DatabaseFingerprint = "database"
	}
	if options.AssetsFingerprint == "" {
		options.AssetsFingerprint = "assets"
	}

	store := &FileStore{root: root, options: options, logger: logger}
	for _, dir := range []string{databaseDir, assetsDir, snapshotsDir, tempDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), options.Permissions); err != nil {
			return nil, NewConfigurationError(fmt.Sprintf("failed to create storage directory %s", dir), err)
		}
	}

	return store, nil
}

// Root returns the store root directory
func (s *FileStore) Root() string {
	return s.root
}

func kindDir(kind Kind) string {
	switch kind {
	case KindFullDump:
		return databaseDir
	case KindAssetArchive:
		return assetsDir
	default:
		return snapshotsDir
	}
}

// kindForFilename maps a snapshot id to its kind by extension
func kindForFilename(name string) (Kind, bool) {
	switch {
	case strings.HasSuffix(name, ".json"):
		return KindEntitySnapshot, true
	case strings.HasSuffix(name, ".tar.gz"):
		return KindAssetArchive, true
	case strings.Contains(name, ".sql"):
		return KindFullDump, true
	default:
		return "", false
	}
}

// ValidateLabel rejects ad-hoc labels that would escape the store or be
// mistaken for a tiered snapshot
func ValidateLabel(label string) error {
	if !labelPattern.MatchString(label) {
		return NewInvalidArgumentError(fmt.Sprintf("invalid snapshot name %q", label), nil)
	}
	first := strings.SplitN(label, "-", 2)[0]
	if tier, err := ParseTier(first); err == nil && tier.IsScheduled() {
		return NewInvalidArgumentError(fmt.Sprintf("snapshot name %q cannot start with a tier name", label), nil)
	}
	return nil
}

// FormatName builds the filename of a snapshot
func FormatName(name SnapshotName) (string, error) {
	ts := name.CreatedAt.UTC().Format(TimestampLayout)

	if name.Tier.IsScheduled() {
		if name.Kind == KindEntitySnapshot {
			if name.Source == "" {
				return "", NewInvalidArgumentError("entity snapshots need a source name", nil)
			}
			return fmt.Sprintf("%s-%s-%s%s", name.Tier, name.Source, ts, name.Extension), nil
		}
		return fmt.Sprintf("%s-%s%s", name.Tier, ts, name.Extension), nil
	}

	label := name.Label
	if label == "" {
		label = name.Source
	}
	if label == "" {
		label = "manual"
	}
	if err := ValidateLabel(label); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s%s", label, ts, name.Extension), nil
}

// parseName recovers tier and creation time from a snapshot filename
func parseName(filename string) (tier Tier, prefix string, createdAt time.Time, ok bool) {
	match := snapshotFilePattern.FindStringSubmatch(filename)
	if match == nil {
		return "", "", time.Time{}, false
	}

	createdAt, err := time.Parse(TimestampLayout, match[2])
	if err != nil {
		return "", "", time.Time{}, false
	}

	prefix = match[1]
	tier = TierAdhoc
	if parsed, err := ParseTier(strings.SplitN(prefix, "-", 2)[0]); err == nil && parsed.IsScheduled() {
		tier = parsed
	}
	return tier, prefix, createdAt, true
}

// List returns the records that match filter, newest first
func (s *FileStore) List(filter ListFilter) ([]*SnapshotRecord, error) {
	records := make([]*SnapshotRecord, 0)

	for _, kind := range Kinds {
		if filter.Kind != "" && filter.Kind != kind {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(s.root, kindDir(kind)))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, NewBackupError(BackupErrorTypeOperationFailed, "failed to list snapshots", err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			record, err := s.describe(kind, entry.Name())
			if err != nil {
				s.logger.WithFields(map[string]interface{}{
					"file":  entry.Name(),
					"error": err.Error(),
				}).Warn("Skipping unrecognised file in snapshot store")
				continue
			}
			if filter.matches(record) {
				records = append(records, record)
			}
		}
	}

	SortNewestFirst(records)
	return records, nil
}

// SortNewestFirst orders records by creation time descending, ties by id
func SortNewestFirst(records []*SnapshotRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
}

// describe builds the record for one file of the store
func (s *FileStore) describe(kind Kind, filename string) (*SnapshotRecord, error) {
	if fileKind, ok := kindForFilename(filename); !ok || fileKind != kind {
		return nil, fmt.Errorf("unexpected extension")
	}

	tier, prefix, createdAt, ok := parseName(filename)
	if !ok {
		return nil, fmt.Errorf("filename does not carry a snapshot timestamp")
	}

	path := filepath.Join(s.root, kindDir(kind), filename)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	record := &SnapshotRecord{
		ID:        filename,
		Tier:      tier,
		Kind:      kind,
		CreatedAt: createdAt,
		SizeBytes: info.Size(),
		Path:      path,
	}

	switch kind {
	case KindFullDump:
		record.SourceFingerprint = s.options.DatabaseFingerprint
	case KindAssetArchive:
		record.SourceFingerprint = s.options.AssetsFingerprint
	case KindEntitySnapshot:
		record.SourceFingerprint = s.entityFingerprint(path, tier, prefix)
	}

	return record, nil
}

// entityFingerprint reads the source entity from the snapshot header and
// falls back to the filename when the header cannot be read
func (s *FileStore) entityFingerprint(path string, tier Tier, prefix string) string {
	if file, err := os.Open(path); err == nil {
		meta, err := ReadSnapshotHeader(file)
		file.Close()
		if err == nil && meta.SourceFingerprint != "" {
			return meta.SourceFingerprint
		}
	}
	if tier.IsScheduled() {
		return strings.TrimPrefix(prefix, string(tier)+"-")
	}
	return prefix
}

// Get returns the record for id or a NOT_FOUND error
func (s *FileStore) Get(id string) (*SnapshotRecord, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return nil, NewNotFoundError(fmt.Sprintf("snapshot %s not found", id), nil).WithContext("snapshot_id", id)
	}

	kind, ok := kindForFilename(id)
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("snapshot %s not found", id), nil).WithContext("snapshot_id", id)
	}

	record, err := s.describe(kind, id)
	if err != nil {
		return nil, NewNotFoundError(fmt.Sprintf("snapshot %s not found", id), err).WithContext("snapshot_id", id)
	}
	return record, nil
}

// Open returns a reader over the snapshot content
func (s *FileStore) Open(id string) (io.ReadCloser, *SnapshotRecord, error) {
	record, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.Open(record.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, NewNotFoundError(fmt.Sprintf("snapshot %s not found", id), err)
		}
		return nil, nil, NewBackupError(BackupErrorTypeOperationFailed, "failed to open snapshot", err)
	}
	return file, record, nil
}

// Delete removes a snapshot
func (s *FileStore) Delete(id string) error {
	record, err := s.Get(id)
	if err != nil {
		return err
	}

	if err := os.Remove(record.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewNotFoundError(fmt.Sprintf("snapshot %s not found", id), err)
		}
		return NewBackupError(BackupErrorTypeOperationFailed, fmt.Sprintf("failed to delete snapshot %s", id), err)
	}
	return nil
}

// Stats aggregates counts and sizes per tier and kind
func (s *FileStore) Stats() (*StoreStats, error) {
	records, err := s.List(ListFilter{})
	if err != nil {
		return nil, err
	}
	return ComputeStats(records), nil
}

// ComputeStats aggregates the given records
func ComputeStats(records []*SnapshotRecord) *StoreStats {
	stats := &StoreStats{
		Tiers: make(map[Tier]TierStats),
		Kinds: make(map[Kind]TierStats),
	}
	for _, tier := range append(ScheduledTiers, TierAdhoc) {
		stats.Tiers[tier] = TierStats{}
	}

	for _, record := range records {
		tierStats := stats.Tiers[record.Tier]
		tierStats.Count++
		tierStats.SizeBytes += record.SizeBytes
		stats.Tiers[record.Tier] = tierStats

		kindStats := stats.Kinds[record.Kind]
		kindStats.Count++
		kindStats.SizeBytes += record.SizeBytes
		stats.Kinds[record.Kind] = kindStats

		stats.TotalCount++
		stats.TotalSize += record.SizeBytes

		createdAt := record.CreatedAt
		if stats.Oldest == nil || createdAt.Before(*stats.Oldest) {
			stats.Oldest = &createdAt
		}
		if stats.Newest == nil || createdAt.After(*stats.Newest) {
			stats.Newest = &createdAt
		}
	}

	return stats
}

// TempFile creates a scratch file inside the store so Commit can rename it
func (s *FileStore) TempFile(kind Kind) (*os.File, error) {
	file, err := os.CreateTemp(filepath.Join(s.root, tempDir), string(kind)+"-*.part")
	if err != nil {
		return nil, NewBackupFailedError("failed to create temporary file", err)
	}
	return file, nil
}

// Commit flushes the temp file and renames it into place. An existing
// snapshot with the same name is never overwritten.
func (s *FileStore) Commit(tempPath string, name SnapshotName) (*SnapshotRecord, error) {
	filename, err := FormatName(name)
	if err != nil {
		return nil, err
	}

	if err := syncFile(tempPath); err != nil {
		return nil, NewBackupFailedError("failed to flush snapshot to disk", err)
	}

	dir := filepath.Join(s.root, kindDir(name.Kind))
	finalPath := filepath.Join(dir, filename)

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if _, err := os.Lstat(finalPath); err == nil {
		return nil, NewBackupFailedError(fmt.Sprintf("snapshot %s already exists", filename), nil).
			WithContext("snapshot_id", filename)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		return nil, NewBackupFailedError("failed to move snapshot into place", err)
	}

	if err := syncDir(dir); err != nil {
		s.logger.WithField("error", err.Error()).Warn("Failed to sync snapshot directory")
	}

	return s.describe(name.Kind, filename)
}

// SweepTemp removes files left behind by interrupted backups
func (s *FileStore) SweepTemp() (int, error) {
	dir := filepath.Join(s.root, tempDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, NewBackupError(BackupErrorTypeOperationFailed, "failed to read temporary directory", err)
	}

	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"file":  entry.Name(),
				"error": err.Error(),
			}).Warn("Failed to remove orphaned temporary file")
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Infof("Removed %d orphaned temporary files", removed)
	}
	return removed, nil
}

func syncFile(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
