package backup

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a retention category
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
	// TierAdhoc marks restore points and manually triggered backups.
	// Ad-hoc snapshots are never pruned by tier-based retention.
	TierAdhoc Tier = "adhoc"
)

// ScheduledTiers lists the tiers subject to automatic retention
var ScheduledTiers = []Tier{TierDaily, TierWeekly, TierMonthly}

// ParseTier converts a string into a Tier
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierDaily, TierWeekly, TierMonthly, TierAdhoc:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// IsScheduled reports whether the tier takes part in automatic retention
func (t Tier) IsScheduled() bool {
	return t == TierDaily || t == TierWeekly || t == TierMonthly
}

// Kind is the shape of a persisted artifact
type Kind string

const (
	// KindFullDump is an opaque database export
	KindFullDump Kind = "full_dump"
	// KindEntitySnapshot is a schema-tagged JSON record set of one table
	KindEntitySnapshot Kind = "entity_snapshot"
	// KindAssetArchive is a compressed tarball of an asset directory
	KindAssetArchive Kind = "asset_archive"
)

// Kinds lists every artifact kind in listing order
var Kinds = []Kind{KindFullDump, KindAssetArchive, KindEntitySnapshot}

// ParseKind converts a string into a Kind. Short aliases are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full_dump", "dump", "database", "db":
		return KindFullDump, nil
	case "entity_snapshot", "entity", "table", "snapshot":
		return KindEntitySnapshot, nil
	case "asset_archive", "assets", "asset":
		return KindAssetArchive, nil
	default:
		return "", fmt.Errorf("unknown snapshot kind %q", s)
	}
}

// SnapshotRecord describes one immutable artifact in the snapshot store
type SnapshotRecord struct {
	ID                string    `json:"id" yaml:"id"`
	Tier              Tier      `json:"tier" yaml:"tier"`
	Kind              Kind      `json:"kind" yaml:"kind"`
	CreatedAt         time.Time `json:"createdAt" yaml:"created_at"`
	SizeBytes         int64     `json:"sizeBytes" yaml:"size_bytes"`
	SourceFingerprint string    `json:"sourceFingerprint" yaml:"source_fingerprint"`
	Path              string    `json:"-" yaml:"-"`
}

// Source identifies what to back up
type Source struct {
	Kind Kind
	// Name is the entity/table for entity snapshots, the database name for
	// full dumps and the asset label for asset archives.
	Name string
}

// Key identifies the source for mutual exclusion
func (s Source) Key() string {
	return string(s.Kind) + ":" + s.Name
}

func (s Source) String() string {
	return s.Key()
}

// ExecuteOptions tunes a single backup run
type ExecuteOptions struct {
	// Adhoc forces the adhoc tier instead of classifying the current date
	Adhoc bool
	// Label names an ad-hoc snapshot; defaults to the source name
	Label string
}

// RetentionPolicy is the per-tier maximum snapshot count
type RetentionPolicy struct {
	Daily   int `json:"daily" yaml:"daily"`
	Weekly  int `json:"weekly" yaml:"weekly"`
	Monthly int `json:"monthly" yaml:"monthly"`
	// Manual caps ad-hoc snapshots per source when EnforceManual is called.
	// Zero keeps every ad-hoc snapshot.
	Manual int `json:"manual" yaml:"manual"`
}

// DefaultRetentionPolicy returns the 7/4/3 policy
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{Daily: 7, Weekly: 4, Monthly: 3}
}

// MaxCount returns the number of snapshots kept for the tier
func (p RetentionPolicy) MaxCount(tier Tier) int {
	switch tier {
	case TierDaily:
		return p.Daily
	case TierWeekly:
		return p.Weekly
	case TierMonthly:
		return p.Monthly
	case TierAdhoc:
		return p.Manual
	default:
		return 0
	}
}

// Validate checks that every scheduled tier keeps at least one snapshot
func (p RetentionPolicy) Validate() error {
	var errs ValidationErrors
	for _, tier := range ScheduledTiers {
		if p.MaxCount(tier) < 1 {
			errs.Add(string(tier), "must keep at least one snapshot", p.MaxCount(tier))
		}
	}
	if p.Manual < 0 {
		errs.Add("manual", "cannot be negative", p.Manual)
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// RestoreResult summarises a completed restore
type RestoreResult struct {
	SnapshotID    string `json:"snapshotId" yaml:"snapshot_id"`
	RestoredCount int    `json:"restoredCount" yaml:"restored_count"`
	DurationMs    int64  `json:"durationMs" yaml:"duration_ms"`
}

// TierStats is the count and aggregate size of one tier
type TierStats struct {
	Count     int   `json:"count" yaml:"count"`
	SizeBytes int64 `json:"sizeBytes" yaml:"size_bytes"`
}

// StoreStats summarises the snapshot store
type StoreStats struct {
	Tiers      map[Tier]TierStats `json:"tiers" yaml:"tiers"`
	Kinds      map[Kind]TierStats `json:"kinds" yaml:"kinds"`
	TotalCount int                `json:"totalCount" yaml:"total_count"`
	TotalSize  int64              `json:"totalSize" yaml:"total_size"`
	Oldest     *time.Time         `json:"oldest,omitempty" yaml:"oldest,omitempty"`
	Newest     *time.Time         `json:"newest,omitempty" yaml:"newest,omitempty"`
}

// ListFilter narrows a store listing. Zero values match everything.
type ListFilter struct {
	Tier   Tier
	Kind   Kind
	Source string
}

func (f ListFilter) matches(r *SnapshotRecord) bool {
	if f.Tier != "" && r.Tier != f.Tier {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Source != "" && r.SourceFingerprint != f.Source {
		return false
	}
	return true
}

// CompressionType selects the codec for full database dumps
type CompressionType string

const (
	CompressionTypeNone CompressionType = "none"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeLZ4  CompressionType = "lz4"
	CompressionTypeZstd CompressionType = "zstd"
)

// LockMode decides what a second concurrent backup of the same source does
type LockMode string

const (
	// LockModeReject fails fast with BACKUP_IN_PROGRESS
	LockModeReject LockMode = "reject"
	// LockModeBlock waits for the running backup to finish
	LockModeBlock LockMode = "block"
)
