package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/arena/internal/models"
)

// SQLiteStore archives integrity reports in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/arena.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/arena.db"
	}

	// Ensure directory exists
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS integrity_reports (
		id TEXT PRIMARY KEY,
		checked_at DATETIME NOT NULL,
		ok INTEGER NOT NULL,
		room_count INTEGER NOT NULL DEFAULT 0,
		total_messages INTEGER NOT NULL DEFAULT 0,
		critical_count INTEGER NOT NULL DEFAULT 0,
		report TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_integrity_reports_checked_at ON integrity_reports(checked_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveReport inserts a report. Saving the same report ID twice is a no-op.
func (s *SQLiteStore) SaveReport(ctx context.Context, report models.IntegrityReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO integrity_reports (id, checked_at, ok, room_count, total_messages, critical_count, report)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, report.ID, report.CheckedAt.UTC(), report.OK, report.RoomCount, report.TotalMessages, report.Criticals(), string(data))
	return err
}

// RecentReports returns the newest reports first.
func (s *SQLiteStore) RecentReports(ctx context.Context, limit int) ([]models.IntegrityReport, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT report FROM integrity_reports
		ORDER BY checked_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]models.IntegrityReport, 0, limit)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var report models.IntegrityReport
		if err := json.Unmarshal([]byte(data), &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}
