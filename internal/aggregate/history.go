package aggregate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/guardant/guardant/internal/model"
)

//go:embed migrations/*.sql
var historyMigrationsFS embed.FS

// HistorySnapshot is one recorded status transition.
type HistorySnapshot struct {
	ServiceID    string            `json:"service_id"`
	NestID       string            `json:"nest_id"`
	Status       model.ProbeStatus `json:"status"`
	Uptime24h    float64           `json:"uptime_24h"`
	AvgRTT24h    float64           `json:"avg_rtt_24h"`
	RecordedAtNs int64             `json:"recorded_at_ns"`
}

// HistoryRepo persists status transitions to SQLite so status pages can
// show a timeline that survives control-plane restarts.
type HistoryRepo struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the history database under dataDir.
func OpenHistory(dataDir string) (*HistoryRepo, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("history: mkdir %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "rollup_history.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: exec %q: %w", p, err)
		}
	}

	if err := migrateHistoryDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &HistoryRepo{db: db}, nil
}

func migrateHistoryDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(historyMigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: init migration source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("history: init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("history: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *HistoryRepo) Close() error {
	return r.db.Close()
}

// InsertSnapshot records one transition.
func (r *HistoryRepo) InsertSnapshot(rollup *model.ServiceRollup) error {
	_, err := r.db.Exec(
		`INSERT INTO rollup_history
			(service_id, nest_id, status, uptime_24h, avg_rtt_24h, recorded_at_ns)
			VALUES (?, ?, ?, ?, ?, ?)`,
		rollup.ServiceID, rollup.NestID, string(rollup.CurrentStatus),
		rollup.Window24h.UptimePct, rollup.Window24h.AvgRTTMs, rollup.UpdatedAtNs)
	if err != nil {
		return fmt.Errorf("history: insert %s: %w", rollup.ServiceID, err)
	}
	return nil
}

// Recent returns snapshots for a service since the cutoff, newest first.
func (r *HistoryRepo) Recent(serviceID string, since time.Time, limit int) ([]HistorySnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(
		`SELECT service_id, nest_id, status, uptime_24h, avg_rtt_24h, recorded_at_ns
			FROM rollup_history
			WHERE service_id = ? AND recorded_at_ns >= ?
			ORDER BY recorded_at_ns DESC LIMIT ?`,
		serviceID, since.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("history: query %s: %w", serviceID, err)
	}
	defer rows.Close()

	var out []HistorySnapshot
	for rows.Next() {
		var s HistorySnapshot
		var status string
		if err := rows.Scan(&s.ServiceID, &s.NestID, &status, &s.Uptime24h, &s.AvgRTT24h, &s.RecordedAtNs); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		s.Status = model.ProbeStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
