package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/guardant/guardant/internal/audit"
)

// pollAudit retries the audit listing until entries show up; writes are
// flushed asynchronously.
func pollAudit(t *testing.T, fx *apiFixture, path, token string) []audit.Entry {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := fx.do(http.MethodGet, path, token, nil)
		wantStatus(t, resp, http.StatusOK)
		var entries []audit.Entry
		decodeInto(t, resp, &entries)
		if len(entries) > 0 {
			return entries
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no audit entries appeared for %s", path)
	return nil
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	fx := newAPIFixture(t)

	resp := fx.do(http.MethodPost, "/api/nests", testAdminToken, map[string]any{
		"subdomain":   "acme",
		"name":        "Acme",
		"owner_email": "owner@acme.test",
	})
	wantStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	entries := pollAudit(t, fx, "/api/audit?action=nest.create", testAdminToken)
	e := entries[0]
	if e.Action != "nest.create" || e.TargetKind != "nest" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Actor != "platform-admin" {
		t.Fatalf("actor = %q", e.Actor)
	}
	if e.AfterJSON == "" {
		t.Fatal("create entry must carry the after snapshot")
	}
	if e.BeforeJSON != "" {
		t.Fatal("create entry must not carry a before snapshot")
	}
}

func TestAuditTrailScopedToNest(t *testing.T) {
	fx := newAPIFixture(t)
	fx.seedNest("nest-a", "acme", 0)
	fx.seedNest("nest-b", "globex", 0)
	fx.seedUserToken("token-a", "u1", "nest-a")
	fx.seedUserToken("token-b", "u2", "nest-b")

	for _, token := range []string{"token-a", "token-b"} {
		resp := fx.do(http.MethodPost, "/api/services", token, map[string]any{
			"name":             "homepage",
			"type":             "web",
			"target":           "https://example.test",
			"interval_seconds": 60,
		})
		wantStatus(t, resp, http.StatusCreated)
		resp.Body.Close()
	}

	// A nest user only sees their own trail, whatever they ask for.
	entries := pollAudit(t, fx, "/api/audit?nest=nest-b", "token-a")
	for _, e := range entries {
		if e.NestID != "nest-a" {
			t.Fatalf("entry for foreign nest leaked: %+v", e)
		}
	}

	// The admin filter works.
	entries = pollAudit(t, fx, "/api/audit?nest=nest-b", testAdminToken)
	for _, e := range entries {
		if e.NestID != "nest-b" {
			t.Fatalf("filtered listing returned %+v", e)
		}
	}
}
