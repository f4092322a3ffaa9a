package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/models"
)

// timeLayout is fixed-width so that text comparison in SQL orders correctly
const timeLayout = "2006-01-02 15:04:05.000000"

// legacyRunID marks rows archived before records were scoped by run
const legacyRunID = "legacy"

// Archive defines the interface for the write-only record archive
type Archive interface {
	Close() error
	Migrate() error
	RunID() string
	InsertBatch(records []*models.Record) error
	CountByDevice() (models.DeviceStatistics, error)
	DeleteOlderThan(days int) (int64, error)
	GetStorageStats() (*StorageStats, error)
}

// Compile-time interface check
var _ Archive = (*SQLiteStore)(nil)

// SQLiteStore keeps an on-disk copy of accepted records.
// data_id restarts at data_1 in every process, so each open store writes
// under its own run id and (run_id, data_id) is the archive key.
type SQLiteStore struct {
	db     *sql.DB
	runID  string
	logger zerolog.Logger
}

// StorageStats contains information about the database
type StorageStats struct {
	RunID          string    `json:"run_id"`
	Runs           int       `json:"runs"`
	TotalRecords   int64     `json:"total_records"`
	OldestRecord   time.Time `json:"oldest_record,omitzero"`
	NewestRecord   time.Time `json:"newest_record,omitzero"`
	UniqueDevices  int       `json:"unique_devices"`
	DatabaseSizeMB float64   `json:"database_size_mb"`
}

// NewSQLiteStore opens (or creates) the archive at dbPath
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		runID:  uuid.NewString(),
		logger: logger,
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", dbPath).Str("run_id", store.runID).Msg("SQLite archive initialized")

	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const recordsSchema = `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		data_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		sensor_type TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp TEXT NULL,
		location TEXT NULL,
		battery_level REAL NULL,
		received_at TEXT NOT NULL,
		UNIQUE (run_id, data_id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_device ON records(device_id, id);
	CREATE INDEX IF NOT EXISTS idx_records_received ON records(received_at);
`

// Migrate creates the database schema if it doesn't exist and upgrades
// archives written before the run_id column existed
func (s *SQLiteStore) Migrate() error {
	legacy, err := s.hasLegacySchema()
	if err != nil {
		return err
	}
	if legacy {
		return s.migrateLegacy()
	}

	if _, err := s.db.Exec(recordsSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Database schema migrated")
	return nil
}

// hasLegacySchema reports whether a records table exists without run_id
func (s *SQLiteStore) hasLegacySchema() (bool, error) {
	var columns, runColumns int
	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(name = 'run_id'), 0)
		FROM pragma_table_info('records')
	`).Scan(&columns, &runColumns)
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return columns > 0 && runColumns == 0, nil
}

// migrateLegacy rebuilds the records table with the run-scoped key.
// Existing rows keep their order and are tagged with legacyRunID.
func (s *SQLiteStore) migrateLegacy() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	steps := []string{
		"DROP INDEX IF EXISTS idx_records_device",
		"DROP INDEX IF EXISTS idx_records_received",
		"ALTER TABLE records RENAME TO records_legacy",
		recordsSchema,
		`INSERT INTO records
			(run_id, data_id, device_id, sensor_type, value, timestamp, location, battery_level, received_at)
		SELECT '` + legacyRunID + `', data_id, device_id, sensor_type, value, timestamp, location, battery_level, received_at
		FROM records_legacy ORDER BY id`,
		"DROP TABLE records_legacy",
	}
	for _, step := range steps {
		if _, err := tx.Exec(step); err != nil {
			return fmt.Errorf("failed to migrate legacy schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	s.logger.Info().Msg("Archive schema upgraded to run-scoped records")
	return nil
}

// RunID identifies the records this process writes
func (s *SQLiteStore) RunID() string {
	return s.runID
}

const insertRecordSQL = `
	INSERT INTO records
		(run_id, data_id, device_id, sensor_type, value, timestamp, location, battery_level, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// InsertBatch inserts multiple records in a single transaction
func (s *SQLiteStore) InsertBatch(records []*models.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertRecordSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.Exec(s.recordArgs(record)...); err != nil {
			return fmt.Errorf("failed to insert record %s in batch: %w", record.DataID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().Int("count", len(records)).Msg("Batch insert completed")
	return nil
}

// CountByDevice returns the number of archived records per device
func (s *SQLiteStore) CountByDevice() (models.DeviceStatistics, error) {
	rows, err := s.db.Query("SELECT device_id, COUNT(*) FROM records GROUP BY device_id")
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(models.DeviceStatistics)
	for rows.Next() {
		var deviceID string
		var count int
		if err := rows.Scan(&deviceID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan device count: %w", err)
		}
		counts[deviceID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return counts, nil
}

// DeleteOlderThan removes records received more than days ago.
// Only the archive shrinks; the in-memory store is never touched.
func (s *SQLiteStore) DeleteOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	result, err := s.db.Exec(
		"DELETE FROM records WHERE received_at < ?",
		cutoff.Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info().
		Int("days", days).
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Deleted old records")

	return deleted, nil
}

// GetStorageStats returns statistics about the database
func (s *SQLiteStore) GetStorageStats() (*StorageStats, error) {
	stats := &StorageStats{RunID: s.runID}

	err := s.db.QueryRow("SELECT COUNT(*), COUNT(DISTINCT run_id) FROM records").
		Scan(&stats.TotalRecords, &stats.Runs)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	if stats.TotalRecords == 0 {
		return stats, nil
	}

	var oldestStr, newestStr string
	err = s.db.QueryRow("SELECT MIN(received_at), MAX(received_at) FROM records").
		Scan(&oldestStr, &newestStr)
	if err != nil {
		return nil, fmt.Errorf("failed to get timestamp range: %w", err)
	}
	stats.OldestRecord, _ = parseTime(oldestStr)
	stats.NewestRecord, _ = parseTime(newestStr)

	err = s.db.QueryRow("SELECT COUNT(DISTINCT device_id) FROM records").Scan(&stats.UniqueDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}

	var pageCount, pageSize int64
	s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	stats.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)

	return stats, nil
}

func (s *SQLiteStore) recordArgs(record *models.Record) []any {
	return []any{
		s.runID,
		record.DataID,
		record.DeviceID,
		record.SensorType,
		record.Value,
		nullString(record.Timestamp),
		nullString(record.Location),
		nullFloat(record.BatteryLevel),
		record.ReceivedAt.UTC().Format(timeLayout),
	}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// parseTime tries the archive layout first, then common SQLite formats
func parseTime(ts string) (time.Time, error) {
	formats := []string{
		timeLayout,
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.ParseInLocation(format, ts, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", ts)
}
