package audit

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Entry is one recorded mutation.
type Entry struct {
	ID         string `json:"id"`
	TsNs       int64  `json:"ts_ns"`
	Actor      string `json:"actor"`
	NestID     string `json:"nest_id"`
	Action     string `json:"action"`
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
	RemoteIP   string `json:"remote_ip"`
	BeforeJSON string `json:"before_json,omitempty"`
	AfterJSON  string `json:"after_json,omitempty"`
}

// Repo manages rolling SQLite databases for audit entries.
// Each DB is named audit-<unix_ms>.db and lives in logDir.
type Repo struct {
	logDir      string
	maxBytes    int64
	retainCount int

	activeDB   *sql.DB
	activePath string
}

// NewRepo creates a Repo that manages rolling audit databases. maxBytes
// controls when the active DB is rotated; retainCount sets how many
// historical DB files are kept.
func NewRepo(logDir string, maxBytes int64, retainCount int) *Repo {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024 // 64 MB default
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Repo{
		logDir:      logDir,
		maxBytes:    maxBytes,
		retainCount: retainCount,
	}
}

// Open opens (or creates) the active audit database. An existing DB in the
// directory is reused as active; a new one is created only when none exists.
func (r *Repo) Open() error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return fmt.Errorf("audit repo mkdir %s: %w", r.logDir, err)
	}

	files, err := r.listDBFiles()
	if err != nil {
		return fmt.Errorf("audit repo open: %w", err)
	}

	if len(files) > 0 {
		latest := files[len(files)-1]
		if err := r.openDB(latest); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active DB.
func (r *Repo) Close() error {
	if r.activeDB != nil {
		err := r.activeDB.Close()
		r.activeDB = nil
		r.activePath = ""
		return err
	}
	return nil
}

// InsertBatch inserts a batch of entries in a single transaction.
// Returns the number of rows successfully inserted.
func (r *Repo) InsertBatch(entries []Entry) (int, error) {
	if r.activeDB == nil {
		return 0, fmt.Errorf("audit repo: no active db")
	}

	if err := r.maybeRotate(); err != nil {
		return 0, fmt.Errorf("audit repo rotate: %w", err)
	}

	tx, err := r.activeDB.Begin()
	if err != nil {
		return 0, fmt.Errorf("audit repo begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO audit_entries (
		id, ts_ns, actor, nest_id, action, target_kind, target_id,
		remote_ip, before_json, after_json
	) VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("audit repo prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range entries {
		e := &entries[i]
		_, err := stmt.Exec(
			e.ID, e.TsNs, e.Actor, e.NestID, e.Action,
			e.TargetKind, e.TargetID, e.RemoteIP,
			nullable(e.BeforeJSON), nullable(e.AfterJSON),
		)
		if err != nil {
			log.Printf("[audit] warning: skip entry id=%q insert failed: %v", e.ID, err)
			continue
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("audit repo commit: %w", err)
	}
	return inserted, nil
}

// ListFilter specifies query filters for listing entries.
type ListFilter struct {
	NestID     string
	Actor      string
	Action     string
	TargetKind string
	TargetID   string
	Before     int64 // ts_ns < Before (0 means no upper bound)
	After      int64 // ts_ns > After (0 means no lower bound)
	Limit      int
	Offset     int
}

// List queries all retained DBs and returns matching entries ordered by
// ts_ns DESC.
func (r *Repo) List(f ListFilter) ([]Entry, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 10000 {
		limit = 10000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	fetchLimit := limit + offset
	var results []Entry
	// Every retained DB is queried and the results merge-sorted globally:
	// entry timestamps can lag the DB filename time when a rotation lands
	// mid-flush.
	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[audit] warning: list open db failed path=%q: %v", files[i], err)
			continue
		}
		rows, err := r.queryEntries(db, f, fetchLimit)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[audit] warning: list close db failed path=%q: %v", files[i], closeErr)
		}
		if err != nil {
			log.Printf("[audit] warning: list query failed path=%q: %v", files[i], err)
			continue
		}
		results = append(results, rows...)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].TsNs != results[j].TsNs {
			return results[i].TsNs > results[j].TsNs
		}
		return results[i].ID < results[j].ID
	})
	if offset >= len(results) {
		return nil, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetByID looks up a single entry across all retained DBs.
func (r *Repo) GetByID(id string) (*Entry, error) {
	files, err := r.listDBFiles()
	if err != nil {
		return nil, err
	}

	for i := len(files) - 1; i >= 0; i-- {
		db, err := r.openReadOnly(files[i])
		if err != nil {
			log.Printf("[audit] warning: get_by_id open db failed path=%q id=%q: %v", files[i], id, err)
			continue
		}
		row, err := r.queryByID(db, id)
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[audit] warning: get_by_id close db failed path=%q id=%q: %v", files[i], id, closeErr)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[audit] warning: get_by_id query failed path=%q id=%q: %v", files[i], id, err)
		}
		if err == nil && row != nil {
			return row, nil
		}
	}
	return nil, nil
}

// --- internal helpers ---

func (r *Repo) openDB(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("audit repo open %s: %w", path, err)
	}
	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return fmt.Errorf("audit repo exec %q on %s: %w", p, path, err)
		}
	}
	if _, err := db.Exec(createDDL); err != nil {
		db.Close()
		return fmt.Errorf("audit repo init schema %s: %w", path, err)
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Repo) rotateDB() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	name := fmt.Sprintf("audit-%d.db", time.Now().UnixMilli())
	path := filepath.Join(r.logDir, name)
	if err := r.openDB(path); err != nil {
		return fmt.Errorf("audit rotate: %w", err)
	}
	return r.cleanup()
}

func (r *Repo) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	totalSize, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[audit] warning: stat active db failed path=%q: %v", r.activePath, err)
		return nil // can't stat; skip rotation check
	}
	if totalSize >= r.maxBytes {
		return r.rotateDB()
	}
	return nil
}

func (r *Repo) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	// Keep retainCount most recent files (the active one is always latest).
	if len(files) <= r.retainCount {
		return nil
	}
	for _, f := range files[:len(files)-r.retainCount] {
		os.Remove(f)
		os.Remove(f + "-wal")
		os.Remove(f + "-shm")
	}
	return nil
}

func (r *Repo) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.logDir)
	if err != nil {
		return nil, fmt.Errorf("audit list dir %s: %w", r.logDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "audit-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.logDir, name))
		}
	}
	sort.Strings(files) // lexicographic sort == chronological for our naming
	return files, nil
}

func (r *Repo) openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

const selectCols = "id, ts_ns, actor, nest_id, action, target_kind, target_id, remote_ip, before_json, after_json"

func (r *Repo) queryEntries(db *sql.DB, f ListFilter, limit int) ([]Entry, error) {
	var where []string
	var args []any

	if f.NestID != "" {
		where = append(where, "nest_id = ?")
		args = append(args, f.NestID)
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.TargetKind != "" {
		where = append(where, "target_kind = ?")
		args = append(args, f.TargetKind)
	}
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Before > 0 {
		where = append(where, "ts_ns < ?")
		args = append(args, f.Before)
	}
	if f.After > 0 {
		where = append(where, "ts_ns > ?")
		args = append(args, f.After)
	}

	q := "SELECT " + selectCols + " FROM audit_entries"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_ns DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			log.Printf("[audit] warning: skip malformed entry during scan: %v", err)
			continue
		}
		results = append(results, *e)
	}
	return results, rows.Err()
}

func (r *Repo) queryByID(db *sql.DB, id string) (*Entry, error) {
	row := db.QueryRow("SELECT "+selectCols+" FROM audit_entries WHERE id = ?", id)
	return scanEntry(row.Scan)
}

func scanEntry(scan func(...any) error) (*Entry, error) {
	var e Entry
	var before, after sql.NullString
	err := scan(
		&e.ID, &e.TsNs, &e.Actor, &e.NestID, &e.Action,
		&e.TargetKind, &e.TargetID, &e.RemoteIP, &before, &after,
	)
	if err != nil {
		return nil, err
	}
	e.BeforeJSON = before.String
	e.AfterJSON = after.String
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sqliteFilesSize returns the total size of a SQLite database set:
// base db file plus optional -wal and -shm sidecar files.
func sqliteFilesSize(basePath string) (int64, error) {
	var total int64
	for _, p := range []string{basePath, basePath + "-wal", basePath + "-shm"} {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
