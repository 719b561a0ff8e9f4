package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRepo_InsertListGet(t *testing.T) {
	repo := NewRepo(t.TempDir(), 1<<20, 5)
	if err := repo.Open(); err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ts := time.Now().Add(-time.Minute).UnixNano()
	entries := []Entry{
		{
			ID: "aud-a", TsNs: ts, Actor: "owner@acme.test", NestID: "nest-1",
			Action: "service.create", TargetKind: "service", TargetID: "svc-1",
			RemoteIP:  "10.0.0.1",
			AfterJSON: `{"target":"https://example.com"}`,
		},
		{
			ID: "aud-b", TsNs: ts + 1, Actor: "owner@acme.test", NestID: "nest-1",
			Action: "worker.approve", TargetKind: "worker", TargetID: "w-1",
			RemoteIP: "10.0.0.1",
		},
		{
			ID: "aud-c", TsNs: ts + 2, Actor: "admin@other.test", NestID: "nest-2",
			Action: "service.delete", TargetKind: "service", TargetID: "svc-9",
			BeforeJSON: `{"target":"https://old.example"}`,
		},
	}
	if n, err := repo.InsertBatch(entries); err != nil || n != 3 {
		t.Fatalf("InsertBatch = %d, %v; want 3, nil", n, err)
	}

	// Duplicate ids are ignored, not duplicated.
	if _, err := repo.InsertBatch(entries[:1]); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	all, err := repo.List(ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].ID != "aud-c" || all[2].ID != "aud-a" {
		t.Fatalf("not ts_ns DESC: %q .. %q", all[0].ID, all[2].ID)
	}

	byNest, err := repo.List(ListFilter{NestID: "nest-1"})
	if err != nil {
		t.Fatalf("List nest: %v", err)
	}
	if len(byNest) != 2 {
		t.Fatalf("nest filter: expected 2, got %d", len(byNest))
	}

	byAction, err := repo.List(ListFilter{Action: "worker.approve"})
	if err != nil {
		t.Fatalf("List action: %v", err)
	}
	if len(byAction) != 1 || byAction[0].TargetID != "w-1" {
		t.Fatalf("action filter: %+v", byAction)
	}

	got, err := repo.GetByID("aud-c")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.BeforeJSON != `{"target":"https://old.example"}` {
		t.Fatalf("GetByID returned %+v", got)
	}
	if got.AfterJSON != "" {
		t.Fatalf("null after_json must scan empty, got %q", got.AfterJSON)
	}

	missing, err := repo.GetByID("aud-zzz")
	if err != nil || missing != nil {
		t.Fatalf("GetByID missing = %+v, %v", missing, err)
	}
}

func TestRepo_RotationAndRetention(t *testing.T) {
	dir := t.TempDir()
	// Tiny size budget forces a rotation on every batch.
	repo := NewRepo(dir, 1, 2)
	if err := repo.Open(); err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	for i := 0; i < 5; i++ {
		e := Entry{
			ID:     fmt.Sprintf("aud-%d", i),
			TsNs:   time.Now().UnixNano(),
			Actor:  "owner@acme.test",
			NestID: "nest-1",
			Action: "service.update",
		}
		if _, err := repo.InsertBatch([]Entry{e}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct filename timestamps
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var dbs []string
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "audit-") && strings.HasSuffix(f.Name(), ".db") {
			dbs = append(dbs, filepath.Join(dir, f.Name()))
		}
	}
	if len(dbs) > 2 {
		t.Fatalf("retention violated: %d db files remain", len(dbs))
	}

	// Entries in retained DBs are still listable across files.
	got, err := repo.List(ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected entries from retained dbs")
	}
}

func TestRepo_ReopenReusesLatest(t *testing.T) {
	dir := t.TempDir()
	repo := NewRepo(dir, 1<<20, 5)
	if err := repo.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := repo.InsertBatch([]Entry{{ID: "aud-1", TsNs: 1, Action: "nest.create"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again := NewRepo(dir, 1<<20, 5)
	if err := again.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = again.Close() })

	got, err := again.GetByID("aud-1")
	if err != nil || got == nil {
		t.Fatalf("entry lost across reopen: %+v, %v", got, err)
	}
}

func TestService_RecordFlushesOnStop(t *testing.T) {
	repo := NewRepo(t.TempDir(), 1<<20, 5)
	if err := repo.Open(); err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	svc := NewService(ServiceConfig{Repo: repo})
	svc.Start()

	svc.Record(Entry{Actor: "owner@acme.test", NestID: "nest-1", Action: "service.create", TargetKind: "service", TargetID: "svc-1"})
	svc.RecordChange(
		Entry{Actor: "owner@acme.test", NestID: "nest-1", Action: "service.update", TargetKind: "service", TargetID: "svc-1"},
		map[string]any{"interval_seconds": 60},
		map[string]any{"interval_seconds": 30},
	)
	svc.Stop()

	got, err := repo.List(ListFilter{NestID: "nest-1", Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after Stop, got %d", len(got))
	}
	for _, e := range got {
		if e.ID == "" || e.TsNs == 0 {
			t.Fatalf("id/ts not assigned: %+v", e)
		}
	}
	var update *Entry
	for i := range got {
		if got[i].Action == "service.update" {
			update = &got[i]
		}
	}
	if update == nil || update.BeforeJSON != `{"interval_seconds":60}` || update.AfterJSON != `{"interval_seconds":30}` {
		t.Fatalf("change snapshots mangled: %+v", update)
	}
}
