package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/telemetry-receiver/internal/models"
)

// testLogger creates a logger for tests
func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(zerolog.DebugLevel)
}

// setupTestDB creates a temporary archive for testing
func setupTestDB(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

// createTestRecord creates a record with the given id, device and receive time
func createTestRecord(dataID, deviceID string, value float64, receivedAt time.Time) *models.Record {
	return &models.Record{
		Reading: models.Reading{
			DeviceID:   deviceID,
			SensorType: "temperature",
			Value:      value,
		},
		ReceivedAt: receivedAt,
		DataID:     dataID,
	}
}

// archivedRecords reads back the rows for deviceID (all devices if empty) in insertion order
func archivedRecords(t *testing.T, store *SQLiteStore, deviceID string) []*models.Record {
	t.Helper()

	rows, err := store.db.Query(`
		SELECT data_id, device_id, sensor_type, value, timestamp, location, battery_level, received_at
		FROM records
		WHERE (? = '' OR device_id = ?)
		ORDER BY id ASC
	`, deviceID, deviceID)
	if err != nil {
		t.Fatalf("query records: %v", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		var (
			r                   models.Record
			timestamp, location sql.NullString
			batteryLevel        sql.NullFloat64
			receivedAt          string
		)
		if err := rows.Scan(&r.DataID, &r.DeviceID, &r.SensorType, &r.Value, &timestamp, &location, &batteryLevel, &receivedAt); err != nil {
			t.Fatalf("scan record: %v", err)
		}
		if timestamp.Valid {
			r.Timestamp = &timestamp.String
		}
		if location.Valid {
			r.Location = &location.String
		}
		if batteryLevel.Valid {
			r.BatteryLevel = &batteryLevel.Float64
		}
		if r.ReceivedAt, err = parseTime(receivedAt); err != nil {
			t.Fatalf("parse received_at: %v", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate records: %v", err)
	}
	return records
}

func TestNewSQLiteStore(t *testing.T) {
	store := setupTestDB(t)

	if store.db == nil {
		t.Fatal("Expected non-nil database connection")
	}
	if store.RunID() == "" {
		t.Error("store should have a run id")
	}
}

func TestNewSQLiteStore_InvalidPath(t *testing.T) {
	_, err := NewSQLiteStore("/nonexistent/path/that/cannot/exist/test.db", testLogger())
	if err == nil {
		t.Fatal("Expected error for invalid path")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestDB(t)

	if err := store.Migrate(); err != nil {
		t.Fatalf("Second migration failed: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("Third migration failed: %v", err)
	}
}

func TestInsertBatch_RoundTrip(t *testing.T) {
	store := setupTestDB(t)

	receivedAt := time.Date(2024, 1, 1, 12, 0, 0, 123456000, time.UTC)
	record := createTestRecord("data_1", "greenhouse-01", 23.5, receivedAt)
	ts := "2024-01-01T11:59:59Z"
	loc := "Greenhouse A"
	battery := 87.5
	record.Timestamp = &ts
	record.Location = &loc
	record.BatteryLevel = &battery

	if err := store.InsertBatch([]*models.Record{record}); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	records := archivedRecords(t, store, "")
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}

	got := records[0]
	if got.DataID != "data_1" || got.DeviceID != "greenhouse-01" || got.Value != 23.5 {
		t.Errorf("record = %+v", got)
	}
	if !got.ReceivedAt.Equal(receivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, receivedAt)
	}
	if got.Timestamp == nil || *got.Timestamp != ts {
		t.Errorf("Timestamp = %v, want %s", got.Timestamp, ts)
	}
	if got.Location == nil || *got.Location != loc {
		t.Errorf("Location = %v, want %s", got.Location, loc)
	}
	if got.BatteryLevel == nil || *got.BatteryLevel != battery {
		t.Errorf("BatteryLevel = %v, want %v", got.BatteryLevel, battery)
	}
}

func TestInsertBatch_NullOptionals(t *testing.T) {
	store := setupTestDB(t)

	if err := store.InsertBatch([]*models.Record{createTestRecord("data_1", "d1", 1, time.Now().UTC())}); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	records := archivedRecords(t, store, "d1")
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].Timestamp != nil || records[0].Location != nil || records[0].BatteryLevel != nil {
		t.Errorf("optional fields should stay nil: %+v", records[0])
	}
}

func TestInsertBatch_DuplicateInRunRejected(t *testing.T) {
	store := setupTestDB(t)
	now := time.Now().UTC()

	if err := store.InsertBatch([]*models.Record{createTestRecord("data_1", "d1", 1, now)}); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}
	err := store.InsertBatch([]*models.Record{
		createTestRecord("data_2", "d2", 2, now),
		createTestRecord("data_1", "d2", 2, now),
	})
	if err == nil {
		t.Fatal("reusing a data_id within one run should fail")
	}

	// the failed batch is rolled back as a whole
	records := archivedRecords(t, store, "")
	if len(records) != 1 || records[0].DeviceID != "d1" {
		t.Errorf("records = %+v, want only the first insert", records)
	}
}

func TestReopen_KeepsEveryRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "archive.db")
	now := time.Now().UTC()

	var runIDs []string
	for _, device := range []string{"first-run", "second-run"} {
		store, err := NewSQLiteStore(dbPath, testLogger())
		if err != nil {
			t.Fatalf("open %s: %v", device, err)
		}
		runIDs = append(runIDs, store.RunID())
		// every process starts numbering at data_1
		if err := store.InsertBatch([]*models.Record{createTestRecord("data_1", device, 1, now)}); err != nil {
			t.Fatalf("InsertBatch for %s failed: %v", device, err)
		}
		store.Close()
	}

	if runIDs[0] == runIDs[1] {
		t.Fatalf("both opens used run id %s", runIDs[0])
	}

	store, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	counts, err := store.CountByDevice()
	if err != nil {
		t.Fatalf("CountByDevice failed: %v", err)
	}
	if counts["first-run"] != 1 || counts["second-run"] != 1 {
		t.Errorf("counts = %v, want one record from each run", counts)
	}
	stats, err := store.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats failed: %v", err)
	}
	if stats.Runs != 2 || stats.TotalRecords != 2 {
		t.Errorf("stats = %+v, want 2 runs and 2 records", stats)
	}
}

func TestMigrate_UpgradesLegacySchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data_id TEXT NOT NULL UNIQUE,
			device_id TEXT NOT NULL,
			sensor_type TEXT NOT NULL,
			value REAL NOT NULL,
			timestamp TEXT NULL,
			location TEXT NULL,
			battery_level REAL NULL,
			received_at TEXT NOT NULL
		);
		CREATE INDEX idx_records_device ON records(device_id, id);
		CREATE INDEX idx_records_received ON records(received_at);
		INSERT INTO records (data_id, device_id, sensor_type, value, received_at)
		VALUES ('data_1', 'old', 'temperature', 1, '2024-01-01 00:00:00.000000');
	`)
	db.Close()
	if err != nil {
		t.Fatalf("seed legacy schema: %v", err)
	}

	store, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore on legacy archive failed: %v", err)
	}
	defer store.Close()

	if err := store.InsertBatch([]*models.Record{createTestRecord("data_1", "new", 2, time.Now().UTC())}); err != nil {
		t.Fatalf("InsertBatch after upgrade failed: %v", err)
	}

	records := archivedRecords(t, store, "")
	if len(records) != 2 || records[0].DeviceID != "old" || records[1].DeviceID != "new" {
		t.Errorf("records = %+v, want the legacy row then the new one", records)
	}

	var legacyRows int
	store.db.QueryRow("SELECT COUNT(*) FROM records WHERE run_id = ?", legacyRunID).Scan(&legacyRows)
	if legacyRows != 1 {
		t.Errorf("legacy rows = %d, want 1", legacyRows)
	}
	if err := store.Migrate(); err != nil {
		t.Errorf("Migrate after upgrade failed: %v", err)
	}
}

func TestInsertBatch(t *testing.T) {
	store := setupTestDB(t)
	now := time.Now().UTC()

	var records []*models.Record
	for i := 0; i < 100; i++ {
		device := "d1"
		if i%4 == 0 {
			device = "d2"
		}
		records = append(records, createTestRecord(
			"data_"+strconv.Itoa(i+1), device, float64(i), now.Add(time.Duration(i)*time.Millisecond)))
	}

	if err := store.InsertBatch(records); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	got := archivedRecords(t, store, "")
	if len(got) != 100 {
		t.Fatalf("Expected 100 records, got %d", len(got))
	}
	for i, r := range got {
		if r.DataID != "data_"+strconv.Itoa(i+1) {
			t.Fatalf("record %d has DataID %s, want insertion order", i, r.DataID)
		}
	}

	if d2 := archivedRecords(t, store, "d2"); len(d2) != 25 {
		t.Errorf("Expected 25 records for d2, got %d", len(d2))
	}
}

func TestInsertBatch_Empty(t *testing.T) {
	store := setupTestDB(t)

	if err := store.InsertBatch(nil); err != nil {
		t.Fatalf("InsertBatch(nil) failed: %v", err)
	}
	if err := store.InsertBatch([]*models.Record{}); err != nil {
		t.Fatalf("InsertBatch(empty) failed: %v", err)
	}
}

func TestCountByDevice(t *testing.T) {
	store := setupTestDB(t)
	now := time.Now().UTC()

	store.InsertBatch([]*models.Record{
		createTestRecord("data_1", "a", 1, now),
		createTestRecord("data_2", "b", 1, now),
		createTestRecord("data_3", "a", 1, now),
	})

	counts, err := store.CountByDevice()
	if err != nil {
		t.Fatalf("CountByDevice failed: %v", err)
	}
	if counts["a"] != 2 || counts["b"] != 1 || len(counts) != 2 {
		t.Errorf("counts = %v, want map[a:2 b:1]", counts)
	}
	if counts.Total() != 3 {
		t.Errorf("Total = %d, want 3", counts.Total())
	}
}

func TestCountByDevice_Empty(t *testing.T) {
	store := setupTestDB(t)

	counts, err := store.CountByDevice()
	if err != nil {
		t.Fatalf("CountByDevice failed: %v", err)
	}
	if counts == nil || len(counts) != 0 {
		t.Errorf("counts = %v, want empty non-nil map", counts)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	store := setupTestDB(t)
	now := time.Now().UTC()

	store.InsertBatch([]*models.Record{
		createTestRecord("data_1", "d1", 1, now.AddDate(0, 0, -40)),
		createTestRecord("data_2", "d1", 2, now.AddDate(0, 0, -31)),
		createTestRecord("data_3", "d1", 3, now.AddDate(0, 0, -5)),
		createTestRecord("data_4", "d1", 4, now),
	})

	deleted, err := store.DeleteOlderThan(30)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	remaining := archivedRecords(t, store, "")
	if len(remaining) != 2 || remaining[0].DataID != "data_3" {
		t.Errorf("remaining = %+v", remaining)
	}
}

func TestGetStorageStats(t *testing.T) {
	store := setupTestDB(t)

	stats, err := store.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats failed: %v", err)
	}
	if stats.TotalRecords != 0 {
		t.Errorf("TotalRecords = %d, want 0", stats.TotalRecords)
	}

	oldest := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	newest := oldest.Add(time.Hour)
	store.InsertBatch([]*models.Record{
		createTestRecord("data_1", "a", 1, oldest),
		createTestRecord("data_2", "b", 1, newest),
	})

	stats, err = store.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats failed: %v", err)
	}
	if stats.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", stats.TotalRecords)
	}
	if stats.UniqueDevices != 2 {
		t.Errorf("UniqueDevices = %d, want 2", stats.UniqueDevices)
	}
	if !stats.OldestRecord.Equal(oldest) || !stats.NewestRecord.Equal(newest) {
		t.Errorf("range = %v..%v, want %v..%v", stats.OldestRecord, stats.NewestRecord, oldest, newest)
	}
	if stats.DatabaseSizeMB <= 0 {
		t.Errorf("DatabaseSizeMB = %v, want > 0", stats.DatabaseSizeMB)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"2024-01-01 12:00:00.000000", false},
		{"2024-01-01 12:00:00", false},
		{"2024-01-01T12:00:00Z", false},
		{"yesterday", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := parseTime(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseTime(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
