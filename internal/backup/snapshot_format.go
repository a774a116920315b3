package backup

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"inventory-backup/internal/database"
)

// SnapshotSchemaVersion is the entity snapshot document version written by this build.
// Version 2 added binaryColumns; version 1 documents are still read.
const SnapshotSchemaVersion = 2

// SnapshotMetadata is the header of an entity snapshot document
type SnapshotMetadata struct {
	BackupID          string    `json:"backupId"`
	Timestamp         time.Time `json:"timestamp"`
	SourceFingerprint string    `json:"sourceFingerprint"`
	RecordCount       int       `json:"recordCount"`
	SchemaVersion     int       `json:"schemaVersion"`
	// BinaryColumns lists the columns whose cells are base64 encoded bytes
	BinaryColumns []string `json:"binaryColumns,omitempty"`
}

// EntitySnapshot is a point-in-time copy of every record of one entity
type EntitySnapshot struct {
	Metadata SnapshotMetadata  `json:"metadata"`
	Data     []database.Record `json:"data"`
}

// NewEntitySnapshot builds a snapshot document around the given records
func NewEntitySnapshot(backupID, entity string, timestamp time.Time, records []database.Record) *EntitySnapshot {
	if records == nil {
		records = []database.Record{}
	}
	return &EntitySnapshot{
		Metadata: SnapshotMetadata{
			BackupID:          backupID,
			Timestamp:         timestamp.UTC(),
			SourceFingerprint: entity,
			RecordCount:       len(records),
			SchemaVersion:     SnapshotSchemaVersion,
			BinaryColumns:     binaryColumns(records),
		},
		Data: records,
	}
}

// binaryColumns returns the sorted columns holding []byte in any record
func binaryColumns(records []database.Record) []string {
	seen := make(map[string]struct{})
	for _, record := range records {
		for column, value := range record {
			if _, ok := value.([]byte); ok {
				seen[column] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

// Encode writes the snapshot as JSON. []byte cells are written as base64.
func (s *EntitySnapshot) Encode(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return encoder.Encode(s)
}

// DecodeEntitySnapshot parses a snapshot document. Numbers are passed on as
// their literal text so wide integers and decimals keep full precision.
func DecodeEntitySnapshot(r io.Reader) (*EntitySnapshot, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	var raw struct {
		Metadata *SnapshotMetadata `json:"metadata"`
		Data     []database.Record `json:"data"`
	}
	if err := decoder.Decode(&raw); err != nil {
		return nil, NewCorruptSnapshotError("snapshot is not valid JSON", err)
	}
	if raw.Metadata == nil {
		return nil, NewCorruptSnapshotError("snapshot has no metadata header", nil)
	}
	if raw.Data == nil {
		return nil, NewCorruptSnapshotError("snapshot has no data section", nil)
	}

	binary := make(map[string]bool, len(raw.Metadata.BinaryColumns))
	for _, column := range raw.Metadata.BinaryColumns {
		binary[column] = true
	}

	for i, record := range raw.Data {
		for column, value := range record {
			if binary[column] && value != nil {
				encoded, ok := value.(string)
				if !ok {
					return nil, NewCorruptSnapshotError(fmt.Sprintf("data[%d].%s is not base64 text", i, column), nil)
				}
				decoded, err := base64.StdEncoding.DecodeString(encoded)
				if err != nil {
					return nil, NewCorruptSnapshotError(fmt.Sprintf("data[%d].%s is not valid base64", i, column), err)
				}
				record[column] = decoded
				continue
			}
			if number, ok := value.(json.Number); ok {
				record[column] = number.String()
			}
		}
	}

	return &EntitySnapshot{Metadata: *raw.Metadata, Data: raw.Data}, nil
}

// Validate checks the header and every record before any restore mutates data
func (s *EntitySnapshot) Validate(requiredFields []string) error {
	var errs ValidationErrors
	meta := s.Metadata

	if meta.BackupID == "" {
		errs.Add("metadata.backupId", "is required", nil)
	}
	if meta.Timestamp.IsZero() {
		errs.Add("metadata.timestamp", "is required", nil)
	}
	if meta.SourceFingerprint == "" {
		errs.Add("metadata.sourceFingerprint", "is required", nil)
	}
	if meta.SchemaVersion < 1 || meta.SchemaVersion > SnapshotSchemaVersion {
		errs.Add("metadata.schemaVersion", "is not supported", meta.SchemaVersion)
	}
	if meta.RecordCount != len(s.Data) {
		errs.Add("metadata.recordCount", fmt.Sprintf("declares %d records but data holds %d", meta.RecordCount, len(s.Data)), meta.RecordCount)
	}

	for i, record := range s.Data {
		if len(record) == 0 {
			errs.Add(fmt.Sprintf("data[%d]", i), "record is empty", nil)
			continue
		}
		for _, field := range requiredFields {
			if value, ok := record[field]; !ok || value == nil {
				errs.Add(fmt.Sprintf("data[%d].%s", i, field), "required field is missing", nil)
			}
		}
	}

	if errs.HasErrors() {
		return NewCorruptSnapshotError("snapshot failed validation", errs).
			WithContext("backup_id", meta.BackupID)
	}
	return nil
}

// ReadSnapshotHeader reads only the metadata object of a snapshot document.
// The data array is not decoded, so listing large snapshots stays cheap.
func ReadSnapshotHeader(r io.Reader) (*SnapshotMetadata, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	if err := expectDelim(decoder, '{'); err != nil {
		return nil, err
	}

	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return nil, NewCorruptSnapshotError("failed to read snapshot header", err)
		}
		key, ok := token.(string)
		if !ok {
			return nil, NewCorruptSnapshotError("unexpected token in snapshot header", nil)
		}

		if key == "metadata" {
			var meta SnapshotMetadata
			if err := decoder.Decode(&meta); err != nil {
				return nil, NewCorruptSnapshotError("failed to decode snapshot metadata", err)
			}
			return &meta, nil
		}

		var skip json.RawMessage
		if err := decoder.Decode(&skip); err != nil {
			return nil, NewCorruptSnapshotError("failed to skip snapshot section", err)
		}
	}

	return nil, NewCorruptSnapshotError("snapshot has no metadata header", nil)
}

func expectDelim(decoder *json.Decoder, delim json.Delim) error {
	token, err := decoder.Token()
	if err != nil {
		return NewCorruptSnapshotError("snapshot is not valid JSON", err)
	}
	if d, ok := token.(json.Delim); !ok || d != delim {
		return NewCorruptSnapshotError(fmt.Sprintf("expected %q at start of snapshot", delim), nil)
	}
	return nil
}
