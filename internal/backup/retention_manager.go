package backup

import (
	"context"
	"fmt"
	"sort"

	"inventory-backup/internal/logging"
)

// RetentionResult reports one retention pass over a tier
type RetentionResult struct {
	Tier     Tier     `json:"tier" yaml:"tier"`
	DryRun   bool     `json:"dryRun" yaml:"dry_run"`
	Examined int      `json:"examined" yaml:"examined"`
	Kept     int      `json:"kept" yaml:"kept"`
	Pruned   []string `json:"pruned" yaml:"pruned"`
	Failed   []string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Enforcer prunes old snapshots so each tier keeps at most its configured count
// per (kind, source) group. Ad-hoc snapshots are only touched by EnforceManual.
type Enforcer struct {
	store   SnapshotStore
	policy  RetentionPolicy
	logger  *logging.Logger
	metrics *Metrics
}

// NewEnforcer creates a retention enforcer
func NewEnforcer(store SnapshotStore, policy RetentionPolicy, logger *logging.Logger) *Enforcer {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Enforcer{store: store, policy: policy, logger: logger}
}

// SetMetrics attaches prometheus collectors
func (e *Enforcer) SetMetrics(metrics *Metrics) {
	e.metrics = metrics
}

// Policy returns the configured policy
func (e *Enforcer) Policy() RetentionPolicy {
	return e.policy
}

type retentionGroup struct {
	kind   Kind
	source string
}

// Plan returns the snapshots of tier that Enforce would delete
func (e *Enforcer) Plan(tier Tier) ([]*SnapshotRecord, int, error) {
	if !tier.IsScheduled() {
		return nil, 0, NewInvalidArgumentError(fmt.Sprintf("tier %q is not subject to automatic retention", tier), nil)
	}
	return e.plan(tier, e.policy.MaxCount(tier), nil)
}

// plan groups the tier's snapshots by (kind, source) and returns those past
// keep in each group. Snapshots matching exclude are neither counted nor pruned.
func (e *Enforcer) plan(tier Tier, keep int, exclude func(*SnapshotRecord) bool) ([]*SnapshotRecord, int, error) {
	listed, err := e.store.List(ListFilter{Tier: tier})
	if err != nil {
		return nil, 0, err
	}

	records := listed[:0:0]
	for _, record := range listed {
		if exclude == nil || !exclude(record) {
			records = append(records, record)
		}
	}

	groups := make(map[retentionGroup][]*SnapshotRecord)
	for _, record := range records {
		key := retentionGroup{kind: record.Kind, source: record.SourceFingerprint}
		groups[key] = append(groups[key], record)
	}

	keys := make([]retentionGroup, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].source < keys[j].source
	})

	var doomed []*SnapshotRecord
	for _, key := range keys {
		group := groups[key]
		SortNewestFirst(group)
		if len(group) > keep {
			doomed = append(doomed, group[keep:]...)
		}
	}

	return doomed, len(records), nil
}

// Enforce deletes the snapshots of tier beyond the policy count. A failed
// deletion is logged and skipped; the pass continues with the next snapshot.
func (e *Enforcer) Enforce(ctx context.Context, tier Tier) (*RetentionResult, error) {
	if tier == TierAdhoc {
		return &RetentionResult{Tier: tier, Pruned: []string{}}, nil
	}
	doomed, examined, err := e.Plan(tier)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, tier, doomed, examined), nil
}

// EnforceManual caps ad-hoc snapshots per source at policy.Manual. It is a
// no-op when the policy keeps every ad-hoc snapshot. Restore points belong
// to the rollback coordinator and are never pruned here.
func (e *Enforcer) EnforceManual(ctx context.Context) (*RetentionResult, error) {
	if e.policy.Manual <= 0 {
		return &RetentionResult{Tier: TierAdhoc, Pruned: []string{}}, nil
	}
	doomed, examined, err := e.plan(TierAdhoc, e.policy.Manual, IsRestorePoint)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, TierAdhoc, doomed, examined), nil
}

// PlanAll previews every scheduled tier
func (e *Enforcer) PlanAll() ([]*RetentionResult, error) {
	results := make([]*RetentionResult, 0, len(ScheduledTiers))
	for _, tier := range ScheduledTiers {
		doomed, examined, err := e.Plan(tier)
		if err != nil {
			return nil, err
		}
		result := &RetentionResult{Tier: tier, DryRun: true, Examined: examined, Kept: examined - len(doomed), Pruned: []string{}}
		for _, record := range doomed {
			result.Pruned = append(result.Pruned, record.ID)
		}
		results = append(results, result)
	}
	return results, nil
}

// EnforceAll runs Enforce for every scheduled tier
func (e *Enforcer) EnforceAll(ctx context.Context) (results []*RetentionResult, err error) {
	done := e.logger.LogOperationStart("retention", map[string]interface{}{"tiers": len(ScheduledTiers)})
	defer func() { done(err) }()

	results = make([]*RetentionResult, 0, len(ScheduledTiers))
	for _, tier := range ScheduledTiers {
		result, err := e.Enforce(ctx, tier)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (e *Enforcer) apply(ctx context.Context, tier Tier, doomed []*SnapshotRecord, examined int) *RetentionResult {
	result := &RetentionResult{Tier: tier, Examined: examined, Pruned: []string{}}

	for _, record := range doomed {
		if ctx.Err() != nil {
			e.logger.Warn("Retention interrupted, remaining snapshots are kept until the next pass")
			break
		}

		if err := e.store.Delete(record.ID); err != nil {
			e.logger.WithFields(map[string]interface{}{
				"snapshot_id": record.ID,
				"tier":        string(tier),
				"error":       err.Error(),
			}).Error("Failed to delete snapshot during retention")
			result.Failed = append(result.Failed, record.ID)
			continue
		}

		e.logger.WithFields(map[string]interface{}{
			"snapshot_id": record.ID,
			"tier":        string(tier),
			"created_at":  record.CreatedAt,
			"source":      record.SourceFingerprint,
		}).Debug("Pruned snapshot")
		result.Pruned = append(result.Pruned, record.ID)
	}

	result.Kept = examined - len(result.Pruned)
	e.logger.LogRetention(string(tier), examined, len(result.Pruned), len(result.Failed))
	if e.metrics != nil {
		e.metrics.RecordPruned(tier, len(result.Pruned), len(result.Failed))
	}
	return result
}
