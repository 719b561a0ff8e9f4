// Package buffer implements the worker's durable result buffer: probe
// results are appended to a local SQLite database before any broker
// delivery is attempted, so a broker outage or worker restart never loses
// a completed probe.
package buffer

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/guardant/guardant/internal/model"
)

// ErrCorrupt marks an unreadable buffer database. Callers treat this as a
// fatal local-state failure rather than a transient error.
var ErrCorrupt = errors.New("buffer: database corrupt")

const (
	// DefaultCapacity bounds the number of buffered results. When full, the
	// oldest entry is evicted to admit the newest.
	DefaultCapacity = 1000

	dbFileName = "result_buffer.db"
)

// Entry is a buffered probe result together with its queue position.
type Entry struct {
	Seq          int64
	Result       model.ProbeResult
	EnqueuedAtNs int64
}

// Buffer is a bounded, durable FIFO of probe results backed by SQLite.
// A single writer goroutine is assumed; the connection pool is capped at
// one connection accordingly.
type Buffer struct {
	db       *sql.DB
	capacity int

	dropped atomic.Int64
}

// Open opens (or creates) the buffer database under dataDir and applies
// pending migrations. A database that fails the integrity check is
// reported as ErrCorrupt; the caller decides whether to quarantine it.
func Open(dataDir string, capacity int) (*Buffer, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: mkdir %s: %w", dataDir, err)
	}

	path := filepath.Join(dataDir, dbFileName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		// Buffered results must survive power loss; the write rate is low
		// enough that FULL is affordable here.
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("buffer: exec %q on %s: %w", p, path, err)
		}
	}

	var check string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&check); err != nil || check != "ok" {
		db.Close()
		if err == nil {
			err = fmt.Errorf("integrity_check returned %q", check)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	if err := migrateBufferDB(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Buffer{db: db, capacity: capacity}, nil
}

// Close closes the underlying database.
func (b *Buffer) Close() error {
	return b.db.Close()
}

// Append durably stores a result. When the buffer is at capacity the oldest
// entry is evicted first; evictions are counted in Dropped. Re-appending an
// already-buffered result id is a no-op.
func (b *Buffer) Append(res model.ProbeResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("buffer: encode result %s: %w", res.ResultID, err)
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("buffer: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM pending_results").Scan(&count); err != nil {
		return fmt.Errorf("buffer: count: %w", err)
	}
	if count >= b.capacity {
		evict := count - b.capacity + 1
		del, err := tx.Exec(
			`DELETE FROM pending_results WHERE seq IN
				(SELECT seq FROM pending_results ORDER BY seq ASC LIMIT ?)`, evict)
		if err != nil {
			return fmt.Errorf("buffer: evict oldest: %w", err)
		}
		if n, _ := del.RowsAffected(); n > 0 {
			b.dropped.Add(n)
		}
	}

	_, err = tx.Exec(
		`INSERT OR IGNORE INTO pending_results (result_id, payload, enqueued_at_ns)
			VALUES (?, ?, ?)`,
		res.ResultID, string(payload), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("buffer: insert %s: %w", res.ResultID, err)
	}
	return tx.Commit()
}

// Peek returns up to limit entries in enqueue order without removing them.
func (b *Buffer) Peek(limit int) ([]Entry, error) {
	rows, err := b.db.Query(
		`SELECT seq, payload, enqueued_at_ns FROM pending_results
			ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("buffer: peek: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.Seq, &payload, &e.EnqueuedAtNs); err != nil {
			return nil, fmt.Errorf("buffer: scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Result); err != nil {
			// A malformed row cannot be forwarded; skip it rather than wedge
			// the queue behind it.
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ack removes delivered entries by sequence number.
func (b *Buffer) Ack(seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("buffer: begin ack: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare("DELETE FROM pending_results WHERE seq = ?")
	if err != nil {
		return fmt.Errorf("buffer: prepare ack: %w", err)
	}
	defer stmt.Close()

	for _, seq := range seqs {
		if _, err := stmt.Exec(seq); err != nil {
			return fmt.Errorf("buffer: ack seq %d: %w", seq, err)
		}
	}
	return tx.Commit()
}

// Depth returns the number of buffered entries.
func (b *Buffer) Depth() (int, error) {
	var n int
	if err := b.db.QueryRow("SELECT COUNT(*) FROM pending_results").Scan(&n); err != nil {
		return 0, fmt.Errorf("buffer: depth: %w", err)
	}
	return n, nil
}

// Dropped returns how many entries were evicted to make room since Open.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Capacity returns the configured entry cap.
func (b *Buffer) Capacity() int {
	return b.capacity
}
