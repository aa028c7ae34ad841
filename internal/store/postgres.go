package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/arena/internal/metrics"
	"github.com/eldtechnologies/arena/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS integrity_reports (
	id TEXT PRIMARY KEY,
	checked_at TIMESTAMPTZ NOT NULL,
	ok BOOLEAN NOT NULL,
	room_count INTEGER NOT NULL DEFAULT 0,
	total_messages BIGINT NOT NULL DEFAULT 0,
	critical_count INTEGER NOT NULL DEFAULT 0,
	report JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_integrity_reports_checked_at ON integrity_reports(checked_at DESC);
`

// PostgresStore archives integrity reports in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and
// ensures the report table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveReport inserts a report. Saving the same report ID twice is a no-op.
func (s *PostgresStore) SaveReport(ctx context.Context, report models.IntegrityReport) error {
	start := time.Now()
	defer func() { metrics.PostgresLatency.Observe(time.Since(start).Seconds()) }()

	data, err := json.Marshal(report)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO integrity_reports (id, checked_at, ok, room_count, total_messages, critical_count, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, report.ID, report.CheckedAt, report.OK, report.RoomCount, report.TotalMessages, report.Criticals(), data)
	return err
}

// RecentReports returns the newest reports first.
func (s *PostgresStore) RecentReports(ctx context.Context, limit int) ([]models.IntegrityReport, error) {
	if limit <= 0 {
		limit = 20
	}

	start := time.Now()
	defer func() { metrics.PostgresLatency.Observe(time.Since(start).Seconds()) }()

	rows, err := s.pool.Query(ctx, `
		SELECT report FROM integrity_reports
		ORDER BY checked_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]models.IntegrityReport, 0, limit)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var report models.IntegrityReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}
