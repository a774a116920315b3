package display

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"inventory-backup/internal/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestPrinter(t *testing.T, format OutputFormat) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	printer, err := NewPrinter(&Config{
		OutputFormat: string(format),
		UseIcons:     true,
		Writer:       out,
		ErrWriter:    errOut,
	})
	require.NoError(t, err)
	return printer, out, errOut
}

func sampleRecords() []*backup.SnapshotRecord {
	created := time.Date(2024, time.March, 3, 2, 0, 0, 0, time.UTC)
	return []*backup.SnapshotRecord{
		{
			ID:                "weekly-2024-03-03T02-00-00Z.sql.zst",
			Tier:              backup.TierWeekly,
			Kind:              backup.KindFullDump,
			CreatedAt:         created,
			SizeBytes:         2048,
			SourceFingerprint: "inventory",
		},
		{
			ID:                "restore-point-clients-2024-03-03T02-00-00Z.json",
			Tier:              backup.TierAdhoc,
			Kind:              backup.KindEntitySnapshot,
			CreatedAt:         created,
			SizeBytes:         512,
			SourceFingerprint: "clients",
		},
	}
}

func TestNewPrinter_InvalidConfig(t *testing.T) {
	_, err := NewPrinter(&Config{OutputFormat: "xml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")
}

func TestPrinter_Snapshots_Table(t *testing.T) {
	printer, out, _ := newTestPrinter(t, FormatTable)
	records := sampleRecords()

	require.NoError(t, printer.Snapshots(records, backup.ComputeStats(records)))

	text := out.String()
	assert.Contains(t, text, "weekly-2024-03-03T02-00-00Z.sql.zst")
	assert.Contains(t, text, "restore-point-clients")
	assert.Contains(t, text, "2.0 KiB")
	assert.Contains(t, text, "2 snapshots")
}

func TestPrinter_Snapshots_Empty(t *testing.T) {
	printer, out, _ := newTestPrinter(t, FormatTable)

	require.NoError(t, printer.Snapshots(nil, nil))
	assert.Contains(t, out.String(), "No snapshots found")
}

func TestPrinter_Snapshots_JSON(t *testing.T) {
	printer, out, _ := newTestPrinter(t, FormatJSON)

	require.NoError(t, printer.Snapshots(sampleRecords(), nil))

	var decoded struct {
		Backups []backup.SnapshotRecord `json:"backups"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded.Backups, 2)
	assert.Equal(t, backup.TierWeekly, decoded.Backups[0].Tier)
}

func TestPrinter_Snapshots_Compact(t *testing.T) {
	printer, out, _ := newTestPrinter(t, FormatCompact)

	require.NoError(t, printer.Snapshots(sampleRecords(), nil))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "weekly-2024-03-03T02-00-00Z.sql.zst\tweekly\tfull_dump"))
}

func TestPrinter_Stats_YAML(t *testing.T) {
	printer, out, _ := newTestPrinter(t, FormatYAML)

	require.NoError(t, printer.Stats(backup.ComputeStats(sampleRecords())))

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, 2, decoded["total_count"])
}

func TestPrinter_Stats_Table(t *testing.T) {
	printer, out, _ := newTestPrinter(t, FormatTable)

	require.NoError(t, printer.Stats(backup.ComputeStats(sampleRecords())))

	text := out.String()
	for _, want := range []string{"daily", "weekly", "monthly", "adhoc", "entity_snapshot", "total"} {
		assert.Contains(t, text, want)
	}
}

func TestPrinter_Failure(t *testing.T) {
	printer, out, errOut := newTestPrinter(t, FormatTable)

	err := backup.NewNotFoundError("snapshot daily-x.json not found", nil).WithContext("snapshot_id", "daily-x.json")
	printer.Failure("Restore failed", err)

	assert.Contains(t, out.String(), "Restore failed")

	var decoded map[string]ErrorDetail
	require.NoError(t, json.Unmarshal(errOut.Bytes(), &decoded))
	assert.Equal(t, "NOT_FOUND", decoded["error"].Type)
	assert.Equal(t, "daily-x.json", decoded["error"].Context["snapshot_id"])
}

func TestDescribeError(t *testing.T) {
	t.Run("rollback failed carries both causes", func(t *testing.T) {
		err := &backup.RollbackFailedError{
			Entity:         "clients",
			RestorePointID: "restore-point-clients-2024-03-03T02-00-00Z.json",
			OperationErr:   errors.New("import failed"),
			RollbackErr:    errors.New("disk full"),
		}

		detail := DescribeError(err)
		assert.Equal(t, "ROLLBACK_FAILED", detail.Type)
		assert.Equal(t, []string{"import failed", "disk full"}, detail.Causes)
		assert.Equal(t, "clients", detail.Context["entity"])
	})

	t.Run("recovered flag", func(t *testing.T) {
		err := backup.NewBackupError(backup.BackupErrorTypeOperationFailed, "rolled back", errors.New("boom"))
		err.Recovered = true

		detail := DescribeError(err)
		assert.True(t, detail.Recovered)
		assert.Equal(t, "OPERATION_FAILED", detail.Type)
	})

	t.Run("plain error", func(t *testing.T) {
		assert.Equal(t, "ERROR", DescribeError(errors.New("x")).Type)
	})
}

func TestPrinter_QuietSuppressesInfo(t *testing.T) {
	out := &bytes.Buffer{}
	printer, err := NewPrinter(&Config{Quiet: true, Writer: out, ErrWriter: &bytes.Buffer{}})
	require.NoError(t, err)

	printer.Info("hello")
	printer.Success("done")
	assert.Empty(t, out.String())
}

func TestPrinter_Retention(t *testing.T) {
	printer, out, _ := newTestPrinter(t, FormatTable)

	err := printer.Retention([]*backup.RetentionResult{
		{Tier: backup.TierDaily, DryRun: true, Examined: 9, Kept: 7, Pruned: []string{"daily-a.json", "daily-b.json"}},
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "2 would prune")
	assert.Contains(t, text, "daily-a.json")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "1023 B", FormatBytes(1023))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", FormatBytes(1536*1024))
}
