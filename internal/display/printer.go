package display

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"inventory-backup/internal/backup"

	"gopkg.in/yaml.v3"
)

// Printer writes command results to stdout in the configured format and
// structured errors to stderr
type Printer struct {
	config *Config
	format OutputFormat
	colors *ColorSystem
	out    io.Writer
	errOut io.Writer
}

// NewPrinter creates a printer from config
func NewPrinter(config *Config) (*Printer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Printer{
		config: config,
		format: OutputFormat(config.OutputFormat),
		colors: NewColorSystem(GetThemeByName(config.Theme), config.ColorEnabled),
		out:    config.Writer,
		errOut: config.ErrWriter,
	}, nil
}

// Format returns the active output format
func (p *Printer) Format() OutputFormat {
	return p.format
}

func (p *Printer) structured() bool {
	return p.format == FormatJSON || p.format == FormatYAML
}

func (p *Printer) icon(name string) string {
	if !p.config.UseIcons {
		return ""
	}
	switch name {
	case "success":
		return "✓ "
	case "warning":
		return "! "
	case "error":
		return "✗ "
	default:
		return "• "
	}
}

func (p *Printer) status(level string, clr Color, message string) {
	if p.config.Quiet && level != "error" {
		return
	}
	if p.structured() {
		return
	}
	if p.format == FormatCompact {
		fmt.Fprintf(p.out, "%s\t%s\n", level, message)
		return
	}
	fmt.Fprintln(p.out, p.colors.Colorize(p.icon(level)+message, clr))
}

// Success prints a success line
func (p *Printer) Success(message string) {
	p.status("success", p.colors.Theme().Success, message)
}

// Warning prints a warning line
func (p *Printer) Warning(message string) {
	p.status("warning", p.colors.Theme().Warning, message)
}

// Info prints an informational line
func (p *Printer) Info(message string) {
	p.status("info", p.colors.Theme().Info, message)
}

// ErrorDetail is the structured form of a failure written to stderr
type ErrorDetail struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Recovered bool                   `json:"recovered,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Causes    []string               `json:"causes,omitempty"`
}

// DescribeError converts err into its structured form
func DescribeError(err error) ErrorDetail {
	detail := ErrorDetail{Type: string(backup.ErrorType(err)), Message: err.Error()}
	if detail.Type == "" {
		detail.Type = "ERROR"
	}

	var rollbackErr *backup.RollbackFailedError
	var backupErr *backup.BackupError
	switch {
	case errors.As(err, &rollbackErr):
		detail.Context = map[string]interface{}{
			"entity":           rollbackErr.Entity,
			"restore_point_id": rollbackErr.RestorePointID,
		}
		detail.Causes = []string{rollbackErr.OperationErr.Error(), rollbackErr.RollbackErr.Error()}
	case errors.As(err, &backupErr):
		detail.Recovered = backupErr.Recovered
		if len(backupErr.Context) > 0 {
			detail.Context = backupErr.Context
		}
	}
	return detail
}

// Failure prints a one line summary on stdout and the structured error on stderr
func (p *Printer) Failure(summary string, err error) {
	if !p.structured() {
		line := summary
		if err != nil {
			line = fmt.Sprintf("%s: %v", summary, err)
		}
		if p.format == FormatCompact {
			fmt.Fprintf(p.out, "error\t%s\n", line)
		} else {
			fmt.Fprintln(p.out, p.colors.Colorize(p.icon("error")+line, p.colors.Theme().Error))
		}
	}
	if err == nil {
		return
	}

	data, marshalErr := json.Marshal(map[string]ErrorDetail{"error": DescribeError(err)})
	if marshalErr != nil {
		fmt.Fprintf(p.errOut, "{\"error\":{\"type\":\"ERROR\",\"message\":%q}}\n", err.Error())
		return
	}
	fmt.Fprintln(p.errOut, string(data))
}

// Value prints v as JSON or YAML. Table and compact formats fall back to YAML.
func (p *Printer) Value(v interface{}) error {
	if p.format == FormatJSON {
		encoder := json.NewEncoder(p.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	}
	encoder := yaml.NewEncoder(p.out)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return encoder.Close()
}

func (p *Printer) table(headers []string, rows [][]string, rightAligned ...int) error {
	if p.format == FormatCompact {
		for _, row := range rows {
			if _, err := fmt.Fprintln(p.out, strings.Join(row, "\t")); err != nil {
				return err
			}
		}
		return nil
	}

	table := NewTable(p.colors, p.config.MaxTableWidth, headers...)
	for _, column := range rightAligned {
		table.SetAlignment(column, AlignRight)
	}
	for _, row := range rows {
		table.AddRow(row...)
	}
	return table.RenderTo(p.out)
}

// Snapshots prints a listing of snapshot records
func (p *Printer) Snapshots(records []*backup.SnapshotRecord, stats *backup.StoreStats) error {
	if p.structured() {
		return p.Value(struct {
			Backups []*backup.SnapshotRecord `json:"backups" yaml:"backups"`
			Stats   *backup.StoreStats       `json:"stats,omitempty" yaml:"stats,omitempty"`
		}{Backups: records, Stats: stats})
	}

	if len(records) == 0 {
		p.Info("No snapshots found")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ID,
			string(r.Tier),
			string(r.Kind),
			r.SourceFingerprint,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			FormatBytes(r.SizeBytes),
		})
	}
	if err := p.table([]string{"ID", "TIER", "KIND", "SOURCE", "CREATED", "SIZE"}, rows, 5); err != nil {
		return err
	}
	if stats != nil && p.format == FormatTable {
		p.Info(fmt.Sprintf("%d snapshots, %s total", stats.TotalCount, FormatBytes(stats.TotalSize)))
	}
	return nil
}

// Snapshot prints a single record
func (p *Printer) Snapshot(record *backup.SnapshotRecord) error {
	if p.structured() {
		return p.Value(record)
	}
	return p.table([]string{"FIELD", "VALUE"}, [][]string{
		{"id", record.ID},
		{"tier", string(record.Tier)},
		{"kind", string(record.Kind)},
		{"source", record.SourceFingerprint},
		{"created", record.CreatedAt.Format(time.RFC3339)},
		{"size", FormatBytes(record.SizeBytes)},
	})
}

// Stats prints per-tier and per-kind statistics
func (p *Printer) Stats(stats *backup.StoreStats) error {
	if p.structured() {
		return p.Value(stats)
	}

	rows := make([][]string, 0, len(stats.Tiers)+len(stats.Kinds)+1)
	for _, tier := range append(append([]backup.Tier{}, backup.ScheduledTiers...), backup.TierAdhoc) {
		s := stats.Tiers[tier]
		rows = append(rows, []string{"tier", string(tier), strconv.Itoa(s.Count), FormatBytes(s.SizeBytes)})
	}
	kinds := make([]string, 0, len(stats.Kinds))
	for kind := range stats.Kinds {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		s := stats.Kinds[backup.Kind(kind)]
		rows = append(rows, []string{"kind", kind, strconv.Itoa(s.Count), FormatBytes(s.SizeBytes)})
	}
	rows = append(rows, []string{"total", "", strconv.Itoa(stats.TotalCount), FormatBytes(stats.TotalSize)})

	return p.table([]string{"GROUP", "NAME", "COUNT", "SIZE"}, rows, 2, 3)
}

// RestoreResult prints the summary of a restore
func (p *Printer) RestoreResult(result *backup.RestoreResult) error {
	if p.structured() {
		return p.Value(result)
	}
	p.Success(fmt.Sprintf("Restored %s: %d records in %s",
		result.SnapshotID, result.RestoredCount, time.Duration(result.DurationMs)*time.Millisecond))
	return nil
}

// VerifyResult prints the outcome of a verification
func (p *Printer) VerifyResult(result *backup.VerifyResult) error {
	if p.structured() {
		return p.Value(result)
	}
	if result.Valid {
		p.Success(fmt.Sprintf("%s is valid (%s, %d records)", result.SnapshotID, result.Kind, result.RecordCount))
	}
	return nil
}

// Retention prints the outcome of retention passes
func (p *Printer) Retention(results []*backup.RetentionResult) error {
	if p.structured() {
		return p.Value(results)
	}

	rows := make([][]string, 0, len(results))
	for _, r := range results {
		action := "pruned"
		if r.DryRun {
			action = "would prune"
		}
		rows = append(rows, []string{
			string(r.Tier),
			strconv.Itoa(r.Examined),
			strconv.Itoa(r.Kept),
			fmt.Sprintf("%d %s", len(r.Pruned), action),
			strconv.Itoa(len(r.Failed)),
		})
	}
	if err := p.table([]string{"TIER", "EXAMINED", "KEPT", "PRUNED", "FAILED"}, rows, 1, 2, 4); err != nil {
		return err
	}
	if p.format == FormatTable {
		for _, r := range results {
			for _, id := range r.Pruned {
				p.Info(fmt.Sprintf("%s: %s", r.Tier, id))
			}
		}
	}
	return nil
}

// FormatBytes renders a size with a binary unit
func FormatBytes(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
