package store

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Archive is the opaque durable long-term KV. The platform treats it as
// eventually consistent: writes are buffered locally and forwarded by the
// reconciler, with conflicts resolved newer-wins on (timestamp, version).
type Archive interface {
	Put(ctx context.Context, rec ArchiveRecord) error
	Get(ctx context.Context, key string) (ArchiveRecord, bool, error)
}

// ArchiveRecord is one durable entry plus its conflict-resolution metadata.
type ArchiveRecord struct {
	Key         string `json:"key"`
	Value       []byte `json:"value"`
	TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
	TimestampNs int64  `json:"timestamp_ns"`
	Version     int64  `json:"version"`
}

// Newer reports whether rec should replace other under last-writer-wins.
func (rec ArchiveRecord) Newer(other ArchiveRecord) bool {
	if rec.TimestampNs != other.TimestampNs {
		return rec.TimestampNs > other.TimestampNs
	}
	return rec.Version > other.Version
}

// FileArchive is a directory-backed Archive used for development and tests.
type FileArchive struct {
	Dir string
}

func (a *FileArchive) path(key string) string {
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte(key))
	return filepath.Join(a.Dir, enc+".json")
}

// Put stores the record unless an existing record is newer.
func (a *FileArchive) Put(_ context.Context, rec ArchiveRecord) error {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return fmt.Errorf("archive: mkdir: %w", err)
	}
	if existing, ok, err := a.read(rec.Key); err != nil {
		return err
	} else if ok && !rec.Newer(existing) {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rec.Key, err)
	}
	tmp := a.path(rec.Key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", rec.Key, err)
	}
	if err := os.Rename(tmp, a.path(rec.Key)); err != nil {
		return fmt.Errorf("archive: rename %s: %w", rec.Key, err)
	}
	return nil
}

// Get loads a record, honouring its TTL.
func (a *FileArchive) Get(_ context.Context, key string) (ArchiveRecord, bool, error) {
	rec, ok, err := a.read(key)
	if err != nil || !ok {
		return ArchiveRecord{}, false, err
	}
	if rec.TTLSeconds > 0 {
		expiry := rec.TimestampNs + rec.TTLSeconds*int64(time.Second)
		if time.Now().UnixNano() > expiry {
			return ArchiveRecord{}, false, nil
		}
	}
	return rec, true, nil
}

func (a *FileArchive) read(key string) (ArchiveRecord, bool, error) {
	data, err := os.ReadFile(a.path(key))
	if os.IsNotExist(err) {
		return ArchiveRecord{}, false, nil
	}
	if err != nil {
		return ArchiveRecord{}, false, fmt.Errorf("archive: read %s: %w", key, err)
	}
	var rec ArchiveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ArchiveRecord{}, false, fmt.Errorf("archive: decode %s: %w", key, err)
	}
	return rec, true, nil
}

const archivePendingPrefix = "archive:pending:"

// Reconciler forwards locally-buffered archive writes on a schedule.
type Reconciler struct {
	kv      KV
	archive Archive
	cron    *cron.Cron
}

// NewReconciler wires the reconciler; Start begins the schedule.
func NewReconciler(kv KV, archive Archive, schedule string) (*Reconciler, error) {
	r := &Reconciler{kv: kv, archive: archive, cron: cron.New()}
	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := r.SyncNow(ctx); err != nil {
			log.Printf("[archive] sync failed, will retry next run: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("archive: invalid sync schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reconciler) Start() { r.cron.Start() }
func (r *Reconciler) Stop()  { r.cron.Stop() }

// Enqueue buffers a write for eventual forwarding. If a pending record for
// the same key exists, the newer one (by timestamp then version) wins.
func (r *Reconciler) Enqueue(ctx context.Context, rec ArchiveRecord) error {
	pendingKey := archivePendingPrefix + rec.Key
	if raw, ok, err := r.kv.Get(ctx, pendingKey); err != nil {
		return err
	} else if ok {
		var existing ArchiveRecord
		if err := json.Unmarshal([]byte(raw), &existing); err == nil && !rec.Newer(existing) {
			return nil
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode pending %s: %w", rec.Key, err)
	}
	return r.kv.Set(ctx, pendingKey, string(data), 0)
}

// SyncNow forwards all pending writes; entries that fail stay queued.
func (r *Reconciler) SyncNow(ctx context.Context) error {
	var cursor uint64
	var firstErr error
	for {
		keys, next, err := r.kv.Scan(ctx, archivePendingPrefix, cursor, 100)
		if err != nil {
			return err
		}
		for _, key := range keys {
			raw, ok, err := r.kv.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			var rec ArchiveRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				// Unparseable entries would wedge the queue; drop them.
				log.Printf("[archive] dropping malformed pending entry %s: %v", key, err)
				_ = r.kv.Del(ctx, key)
				continue
			}
			if err := r.archive.Put(ctx, rec); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := r.kv.Del(ctx, key); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	if firstErr != nil {
		return fmt.Errorf("archive: partial sync: %w", firstErr)
	}
	return nil
}
