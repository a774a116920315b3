package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"inventory-backup/internal/errors"
	"inventory-backup/internal/logging"
)

// Record is one row of an entity, keyed by column name.
type Record map[string]interface{}

// Store is the capability the backup engine needs from the business database.
type Store interface {
	// ReadAll returns every row of the entity in primary-key order.
	ReadAll(ctx context.Context, entity string) ([]Record, error)
	// Count returns the number of rows in the entity.
	Count(ctx context.Context, entity string) (int, error)
	// ReplaceAll swaps the full record set of the entity atomically: either
	// all records are replaced or the previous state is kept.
	ReplaceAll(ctx context.Context, entity string, records []Record) error
}

// StoreOptions tunes the MySQL store
type StoreOptions struct {
	// BatchSize is the number of rows per INSERT statement
	BatchSize int
	// DisableForeignKeyChecks turns FK checks off for the replace transaction
	DisableForeignKeyChecks bool
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// MySQLStore implements Store on top of a *sql.DB
type MySQLStore struct {
	db      *sql.DB
	logger  *logging.Logger
	options StoreOptions
}

// NewMySQLStore creates a store over an open connection pool
func NewMySQLStore(db *sql.DB, logger *logging.Logger, options StoreOptions) *MySQLStore {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 500
	}
	return &MySQLStore{db: db, logger: logger, options: options}
}

// ValidateIdentifier rejects names that cannot safely be used as a table or column name
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return errors.NewAppError(errors.ErrorTypeValidation, fmt.Sprintf("invalid identifier %q", name), nil)
	}
	return nil
}

func quoteIdentifier(name string) string {
	return "`" + name + "`"
}

// ReadAll returns every row of the entity
func (s *MySQLStore) ReadAll(ctx context.Context, entity string) ([]Record, error) {
	if err := ValidateIdentifier(entity); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s ORDER BY 1", quoteIdentifier(entity))
	startTime := time.Now()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.logger.LogSQLExecution(query, time.Since(startTime), 0, err)
		return nil, errors.WrapError(err, fmt.Sprintf("failed to read %s", entity))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.WrapError(err, "failed to read column names")
	}

	typeNames := make([]string, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, ct := range types {
			typeNames[i] = strings.ToUpper(ct.DatabaseTypeName())
		}
	}

	records := make([]Record, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, errors.WrapError(err, fmt.Sprintf("failed to scan row of %s", entity))
		}

		record := make(Record, len(columns))
		for i, column := range columns {
			record[column] = normalizeValue(values[i], typeNames[i])
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, fmt.Sprintf("failed to iterate rows of %s", entity))
	}

	s.logger.LogSQLExecution(query, time.Since(startTime), int64(len(records)), nil)
	return records, nil
}

// binaryTypes are column types whose cells are raw bytes rather than text
var binaryTypes = map[string]bool{
	"BINARY": true, "VARBINARY": true, "BIT": true, "GEOMETRY": true,
	"BLOB": true, "TINYBLOB": true, "MEDIUMBLOB": true, "LONGBLOB": true,
}

// normalizeValue converts driver values into JSON friendly Go values.
// Binary cells stay []byte so they survive a snapshot unchanged.
func normalizeValue(value interface{}, typeName string) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if binaryTypes[typeName] || !utf8.Valid(v) {
			return v
		}
		s := string(v)
		switch typeName {
		case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR":
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
			if n, err := strconv.ParseUint(s, 10, 64); err == nil {
				return n
			}
		case "FLOAT", "DOUBLE":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		return s
	case time.Time:
		return v.UTC().Format("2006-01-02 15:04:05.999999")
	default:
		return v
	}
}

// Count returns the number of rows in the entity
func (s *MySQLStore) Count(ctx context.Context, entity string) (int, error) {
	if err := ValidateIdentifier(entity); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdentifier(entity))
	startTime := time.Now()

	var count int
	err := s.db.QueryRowContext(ctx, query).Scan(&count)
	s.logger.LogSQLExecution(query, time.Since(startTime), 1, err)
	if err != nil {
		return 0, errors.WrapError(err, fmt.Sprintf("failed to count %s", entity))
	}

	return count, nil
}

// ReplaceAll clears the entity and inserts the given records in one transaction
func (s *MySQLStore) ReplaceAll(ctx context.Context, entity string, records []Record) (err error) {
	if err := ValidateIdentifier(entity); err != nil {
		return err
	}

	columns, err := collectColumns(records)
	if err != nil {
		return err
	}

	// FOREIGN_KEY_CHECKS is a session variable: the whole replace runs on one
	// connection so a failed replace can turn the checks back on before the
	// connection returns to the pool.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return errors.WrapError(err, "failed to acquire connection")
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapError(err, "failed to begin transaction")
	}

	checksDisabled := false
	defer func() {
		if err == nil {
			return
		}
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			s.logger.WithField("error", rollbackErr.Error()).Error("Failed to rollback transaction")
		}
		if checksDisabled {
			if _, resetErr := conn.ExecContext(context.Background(), "SET FOREIGN_KEY_CHECKS=1"); resetErr != nil {
				s.logger.WithField("error", resetErr.Error()).Error("Failed to re-enable foreign key checks")
			}
		}
	}()

	if s.options.DisableForeignKeyChecks {
		if err = s.exec(ctx, tx, "SET FOREIGN_KEY_CHECKS=0"); err != nil {
			return err
		}
		checksDisabled = true
	}

	if err = s.exec(ctx, tx, fmt.Sprintf("DELETE FROM %s", quoteIdentifier(entity))); err != nil {
		return err
	}

	for start := 0; start < len(records); start += s.options.BatchSize {
		end := start + s.options.BatchSize
		if end > len(records) {
			end = len(records)
		}

		query, args := buildInsert(entity, columns, records[start:end])
		if err = s.exec(ctx, tx, query, args...); err != nil {
			if appErr, ok := err.(*errors.AppError); ok {
				appErr.WithContext("batch_start", start)
			}
			return err
		}
	}

	if s.options.DisableForeignKeyChecks {
		if err = s.exec(ctx, tx, "SET FOREIGN_KEY_CHECKS=1"); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.WrapError(err, "failed to commit transaction")
	}

	s.logger.WithFields(map[string]interface{}{
		"entity":  entity,
		"records": len(records),
	}).Info("Entity records replaced")
	return nil
}

func (s *MySQLStore) exec(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) error {
	startTime := time.Now()
	result, err := tx.ExecContext(ctx, query, args...)

	var rowsAffected int64
	if result != nil {
		rowsAffected, _ = result.RowsAffected()
	}
	s.logger.LogSQLExecution(query, time.Since(startTime), rowsAffected, err)

	if err != nil {
		return errors.WrapError(err, "failed to execute statement")
	}
	return nil
}

// collectColumns returns the sorted union of all record keys
func collectColumns(records []Record) ([]string, error) {
	seen := make(map[string]struct{})
	for _, record := range records {
		for column := range record {
			seen[column] = struct{}{}
		}
	}

	columns := make([]string, 0, len(seen))
	for column := range seen {
		if err := ValidateIdentifier(column); err != nil {
			return nil, err
		}
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns, nil
}

func buildInsert(entity string, columns []string, records []Record) (string, []interface{}) {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = quoteIdentifier(column)
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	tuples := make([]string, len(records))
	args := make([]interface{}, 0, len(records)*len(columns))
	for i, record := range records {
		tuples[i] = placeholder
		for _, column := range columns {
			args = append(args, record[column])
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdentifier(entity), strings.Join(quoted, ","), strings.Join(tuples, ","))
	return query, args
}
