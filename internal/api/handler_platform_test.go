package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/guardant/guardant/internal/model"
)

func TestPlatformStats(t *testing.T) {
	fx := newAPIFixture(t)
	fx.seedNest("nest-a", "acme", 0)
	nestB := fx.seedNest("nest-b", "globex", 0)
	nestB.IsActive = false
	if err := fx.entities.PutNest(context.Background(), nestB); err != nil {
		t.Fatal(err)
	}
	fx.seedService("nest-a", "svc-1", model.ServiceTypeWeb)
	fx.seedService("nest-a", "svc-2", model.ServiceTypeTCP)

	inc := &model.Incident{
		ID:        "inc-1",
		NestID:    "nest-a",
		State:     model.IncidentInvestigating,
		StartedAtNs: time.Now().UnixNano(),
	}
	if err := fx.entities.PutIncident(context.Background(), inc); err != nil {
		t.Fatal(err)
	}

	resp := fx.do(http.MethodPost, "/api/workers/register", "", registerBody("w1"))
	wantStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
	resp = fx.do(http.MethodPost, "/api/workers/register", "", registerBody("w2"))
	wantStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
	resp = fx.do(http.MethodPost, "/api/workers/w1/approve", testAdminToken, map[string]any{"region": "eu-central-1"})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = fx.do(http.MethodGet, "/api/platform/stats", testAdminToken, nil)
	wantStatus(t, resp, http.StatusOK)
	var stats PlatformStats
	decodeInto(t, resp, &stats)

	if stats.Nests != 2 || stats.ActiveNests != 1 {
		t.Fatalf("nest counts = %+v", stats)
	}
	if stats.Services != 2 {
		t.Fatalf("services = %d, want 2", stats.Services)
	}
	if stats.Workers != 2 || stats.PendingWorkers != 1 {
		t.Fatalf("worker counts = %+v", stats)
	}
	if stats.OpenIncidents != 1 {
		t.Fatalf("open incidents = %d, want 1", stats.OpenIncidents)
	}
	if stats.GeneratedAtNs == 0 {
		t.Fatal("generated_at_ns must be set")
	}
}

func TestPlatformStatsRequiresAdmin(t *testing.T) {
	fx := newAPIFixture(t)
	fx.seedNest("nest-a", "acme", 0)
	fx.seedUserToken("token-a", "u1", "nest-a")

	resp := fx.do(http.MethodGet, "/api/platform/stats", "token-a", nil)
	wantErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")
}
